package database

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"
)

// EventRingCap is the maximum number of rows kept in session_events.
const EventRingCap = 500

// timeLayout is a fixed-width RFC3339 variant so TEXT columns sort
// chronologically under lexicographic comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNoState is returned by LoadState when no state row exists yet.
var ErrNoState = errors.New("no persisted state")

// PersistedEvent is one row of the session_events ring.
type PersistedEvent struct {
	ID        int64
	EventType string
	TimeUTC   time.Time
	RawJSON   []byte
	CreatedAt time.Time
}

// AppendEvent inserts a row and prunes the ring to EventRingCap, keeping the
// newest rows by (time_utc, id). Insert and prune commit atomically.
func (c *Client) AppendEvent(ctx context.Context, eventType string, timeUTC time.Time, raw []byte) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_events (event_type, time_utc, raw_json, created_at) VALUES (?, ?, ?, ?)`,
		eventType, timeUTC.UTC().Format(timeLayout), string(raw), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM session_events WHERE id NOT IN (
			SELECT id FROM session_events ORDER BY time_utc DESC, id DESC LIMIT ?
		)`, EventRingCap,
	)
	if err != nil {
		return fmt.Errorf("failed to prune event ring: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

// SaveState upserts the single current-state row.
func (c *Client) SaveState(ctx context.Context, stateJSON []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO session_state (id, state_json, last_updated) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state_json = excluded.state_json, last_updated = excluded.last_updated`,
		string(stateJSON), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState returns the persisted state blob and its last-updated time.
// Returns ErrNoState when nothing has been saved yet.
func (c *Client) LoadState(ctx context.Context) ([]byte, time.Time, error) {
	var stateJSON, lastUpdated string
	err := c.db.QueryRowContext(ctx,
		`SELECT state_json, last_updated FROM session_state WHERE id = 1`,
	).Scan(&stateJSON, &lastUpdated)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, time.Time{}, ErrNoState
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load state: %w", err)
	}
	at, err := time.Parse(timeLayout, lastUpdated)
	if err != nil {
		// A mangled timestamp doesn't invalidate the blob.
		at = time.Time{}
	}
	return []byte(stateJSON), at, nil
}

// LoadRecent returns the newest n events, newest first.
func (c *Client) LoadRecent(ctx context.Context, n int) ([]PersistedEvent, error) {
	if n <= 0 || n > EventRingCap {
		n = EventRingCap
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, event_type, time_utc, raw_json, created_at
		 FROM session_events ORDER BY time_utc DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var out []PersistedEvent
	for rows.Next() {
		var (
			evt              PersistedEvent
			raw              string
			timeUTC, created string
		)
		if err := rows.Scan(&evt.ID, &evt.EventType, &timeUTC, &raw, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		evt.RawJSON = []byte(raw)
		if t, err := time.Parse(timeLayout, timeUTC); err == nil {
			evt.TimeUTC = t
		}
		if t, err := time.Parse(timeLayout, created); err == nil {
			evt.CreatedAt = t
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return out, nil
}

// EventCount returns the number of rows in the ring.
func (c *Client) EventCount(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Truncate clears both the event ring and the state row. Used by the
// administrative reset.
func (c *Client) Truncate(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events`); err != nil {
		return fmt.Errorf("failed to truncate events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_state`); err != nil {
		return fmt.Errorf("failed to truncate state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit truncate: %w", err)
	}
	return nil
}
