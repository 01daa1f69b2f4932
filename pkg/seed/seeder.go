// Package seed replays the upstream event history at startup so the derived
// state is warm before the first live frame arrives.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nightwatch-obs/nightwatch/pkg/events"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
)

// ErrHistoryUnavailable marks a seed attempt that never got the history: the
// upstream endpoint was unreachable or answered with garbage. Callers decide
// how serious that is; at startup it is a warning, after a reset it means the
// state is empty with nothing to rebuild from.
var ErrHistoryUnavailable = errors.New("event history unavailable")

// HistoryFetcher fetches the raw history events. Implemented by
// upstream.HistoryClient.
type HistoryFetcher interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
	URL() string
}

// Seeder fetches history and replays it through the state manager.
type Seeder struct {
	history HistoryFetcher
	manager *unified.Manager
	norm    *events.Normalizer
}

// NewSeeder creates a Seeder.
func NewSeeder(history HistoryFetcher, manager *unified.Manager, norm *events.Normalizer) *Seeder {
	return &Seeder{history: history, manager: manager, norm: norm}
}

// Run fetches and replays the history. A failure is returned for logging but
// is not fatal: the caller continues with whatever state the database held,
// marked degraded. Replay is chronological; the reducer's idempotency keys
// drop any events the persisted state already absorbed.
func (s *Seeder) Run(ctx context.Context) error {
	raws, err := s.history.Fetch(ctx)
	if err != nil {
		s.manager.MarkUpstream("degraded")
		return fmt.Errorf("%w: fetch from %s failed: %w", ErrHistoryUnavailable, s.history.URL(), err)
	}

	ordered := s.order(raws)
	replayed := 0
	for _, raw := range ordered {
		if err := s.manager.Submit(ctx, raw); err != nil {
			return fmt.Errorf("replay aborted after %d events: %w", replayed, err)
		}
		replayed++
	}

	if err := s.manager.Flush(ctx); err != nil {
		return fmt.Errorf("replay flush failed: %w", err)
	}

	snap := s.manager.Snapshot()
	targetName := ""
	if t := snap.CurrentSession.Target; t != nil {
		targetName = t.TargetName
	}
	active, _ := snap.CurrentSession.IsActive.Bool()
	slog.Info("Seeded state from event history",
		"events", replayed,
		"dropped", len(raws)-len(ordered),
		"is_active", active,
		"target", targetName)
	return nil
}

// order drops frames that do not normalize and sorts the rest oldest first.
// The history endpoint does not guarantee ordering.
func (s *Seeder) order(raws []json.RawMessage) [][]byte {
	type timed struct {
		raw []byte
		at  time.Time
	}
	valid := make([]timed, 0, len(raws))
	for _, raw := range raws {
		evt, err := s.norm.Normalize(raw)
		if err != nil {
			slog.Debug("Skipping malformed history frame", "error", err)
			continue
		}
		valid = append(valid, timed{raw: raw, at: evt.Time})
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].at.Before(valid[j].at)
	})
	out := make([][]byte, len(valid))
	for i, v := range valid {
		out[i] = v.raw
	}
	return out
}
