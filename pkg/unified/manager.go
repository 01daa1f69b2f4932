// Package unified owns the derived observatory state. A single writer
// goroutine applies every mutation (live events, seeded history, housekeeping,
// resets), persists the outcome, and fans updates out to subscribers.
package unified

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nightwatch-obs/nightwatch/pkg/events"
	"github.com/nightwatch-obs/nightwatch/pkg/state"
)

// SchemaVersion is stamped on every broadcast envelope.
const SchemaVersion = 1

// Store persists the event ring and the current-state row. Implemented by
// database.Client.
type Store interface {
	AppendEvent(ctx context.Context, eventType string, timeUTC time.Time, raw []byte) error
	SaveState(ctx context.Context, stateJSON []byte) error
	Truncate(ctx context.Context) error
}

// Changed describes what a delta touched, for clients that patch instead of
// replacing.
type Changed struct {
	Path    string         `json:"path"`
	Summary string         `json:"summary"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Update is the envelope broadcast to subscribers and serialized to
// dashboards. Every outbound message carries all of these keys: Changed is
// null when no single path changed, and State is always the full snapshot so
// clients may diff. State is a deep copy; the receiver may keep it.
type Update struct {
	SchemaVersion int                 `json:"schemaVersion"`
	UpdateKind    state.UpdateKind    `json:"updateKind"`
	Reason        string              `json:"updateReason"`
	Changed       *Changed            `json:"changed"`
	State         *state.UnifiedState `json:"state"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Subscriber receives updates. Callbacks run on the writer goroutine and must
// not block; the fan-out layer hands the update to per-client queues.
type Subscriber func(Update)

// Reseeder replays the upstream event history into the manager. Implemented
// by seed.Seeder.Run; invoked after a reset has wiped the store.
type Reseeder func(ctx context.Context) error

// Config tunes the manager.
type Config struct {
	QueueSize         int
	DrainTimeout      time.Duration
	TargetExpiry      time.Duration
	HousekeepInterval time.Duration
}

type commandKind int

const (
	cmdEvent commandKind = iota
	cmdHousekeep
	cmdReset
	cmdUpstream
	cmdFlush
)

type command struct {
	kind     commandKind
	raw      []byte
	now      time.Time
	upstream string
	done     chan error
}

// Manager serializes all state mutations through one goroutine.
type Manager struct {
	store  Store
	norm   *events.Normalizer
	cfg    Config
	reseed Reseeder

	mu  sync.RWMutex
	cur *state.UnifiedState

	subMu  sync.RWMutex
	subs   map[int]Subscriber
	nextID int

	inbound  chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager starting from initial (nil means empty state).
func NewManager(store Store, norm *events.Normalizer, initial *state.UnifiedState, cfg Config) *Manager {
	if initial == nil {
		initial = state.New()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.TargetExpiry <= 0 {
		cfg.TargetExpiry = 8 * time.Hour
	}
	if cfg.HousekeepInterval <= 0 {
		cfg.HousekeepInterval = time.Minute
	}
	return &Manager{
		store:   store,
		norm:    norm,
		cfg:     cfg,
		cur:     initial,
		subs:    make(map[int]Subscriber),
		inbound: make(chan command, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the writer goroutine and the housekeeping ticker.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.writerLoop()
	go m.housekeepLoop()
}

// Stop drains pending commands (bounded by DrainTimeout), persists the final
// state, and returns.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
	defer cancel()
	if err := m.persistState(ctx, m.Snapshot()); err != nil {
		slog.Error("Failed to persist final state", "error", err)
	}
}

// Submit enqueues one raw upstream frame. It blocks while the queue is full
// so a slow disk applies backpressure to the socket reader.
func (m *Manager) Submit(ctx context.Context, raw []byte) error {
	cmd := command{kind: cmdEvent, raw: raw}
	select {
	case m.inbound <- cmd:
		return nil
	case <-m.stopCh:
		return fmt.Errorf("manager is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReseeder registers the history replay invoked after a reset. Call during
// startup, before anything can issue a Reset.
func (m *Manager) SetReseeder(fn Reseeder) {
	m.reseed = fn
}

// Reset wipes the store, replaces the state with an empty one, and replays
// the upstream history through the reseeder. The wipe is unconditional; a
// reseed failure is returned so the caller knows the state is empty with
// nothing persisted to fall back to.
func (m *Manager) Reset(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case m.inbound <- command{kind: cmdReset, done: done}:
	case <-m.stopCh:
		return fmt.Errorf("manager is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// The reseeder submits through the inbound queue, so it must run here on
	// the caller's goroutine, not inside the writer.
	if m.reseed == nil {
		return nil
	}
	if err := m.reseed(ctx); err != nil {
		return fmt.Errorf("reseed after reset failed: %w", err)
	}
	return nil
}

// Flush blocks until every command enqueued before it has been applied.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case m.inbound <- command{kind: cmdFlush, done: done}:
	case <-m.stopCh:
		return fmt.Errorf("manager is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkUpstream records upstream connectivity ("live" or "degraded") in the
// state metadata and broadcasts the change.
func (m *Manager) MarkUpstream(status string) {
	select {
	case m.inbound <- command{kind: cmdUpstream, upstream: status}:
	case <-m.stopCh:
	}
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() *state.UnifiedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Clone()
}

// Subscribe registers fn for every future update. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn Subscriber) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) writerLoop() {
	defer m.wg.Done()
	for {
		select {
		case cmd := <-m.inbound:
			m.handle(cmd)
		case <-m.stopCh:
			// Drain what is already queued, bounded by DrainTimeout.
			deadline := time.After(m.cfg.DrainTimeout)
			for {
				select {
				case cmd := <-m.inbound:
					m.handle(cmd)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) housekeepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HousekeepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			select {
			case m.inbound <- command{kind: cmdHousekeep, now: now}:
			case <-m.stopCh:
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handle(cmd command) {
	switch cmd.kind {
	case cmdEvent:
		m.handleEvent(cmd.raw)
	case cmdHousekeep:
		m.handleHousekeep(cmd.now)
	case cmdReset:
		cmd.done <- m.handleReset()
	case cmdUpstream:
		m.handleUpstream(cmd.upstream)
	case cmdFlush:
		cmd.done <- nil
	}
}

func (m *Manager) handleEvent(raw []byte) {
	evt, err := m.norm.Normalize(raw)
	if err != nil {
		slog.Warn("Dropping malformed upstream frame", "error", err)
		return
	}

	cur := m.current()
	next, delta := state.Reduce(cur, evt)
	if delta == nil {
		// Duplicate of something already in the ring.
		return
	}
	m.setCurrent(next)

	// Persistence failures are logged, never fatal: the in-memory state is
	// authoritative while the process lives.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.AppendEvent(ctx, evt.Kind, evt.Time, evt.Raw); err != nil {
		slog.Error("Failed to persist event", "kind", evt.Kind, "error", err)
	}
	if err := m.persistState(ctx, next); err != nil {
		slog.Error("Failed to persist state", "error", err)
	}

	m.broadcast(Update{
		SchemaVersion: SchemaVersion,
		UpdateKind:    delta.Kind,
		Reason:        delta.Reason,
		Changed:       &Changed{Path: delta.Path, Summary: delta.Summary, Meta: delta.Meta},
		State:         next.Clone(),
		Timestamp:     time.Now().UTC(),
	})
}

func (m *Manager) handleHousekeep(now time.Time) {
	cur := m.current()
	next, delta := state.Housekeep(cur, now.UTC(), m.cfg.TargetExpiry)
	if delta == nil {
		return
	}
	m.setCurrent(next)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.persistState(ctx, next); err != nil {
		slog.Error("Failed to persist state after housekeeping", "error", err)
	}

	slog.Info("Cleared expired target", "summary", delta.Summary)
	m.broadcast(Update{
		SchemaVersion: SchemaVersion,
		UpdateKind:    delta.Kind,
		Reason:        delta.Reason,
		Changed:       &Changed{Path: delta.Path, Summary: delta.Summary},
		State:         next.Clone(),
		Timestamp:     now.UTC(),
	})
}

func (m *Manager) handleReset() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to wipe store: %w", err)
	}

	fresh := state.New()
	// Connectivity is a property of the pipeline, not of the wiped history.
	fresh.Meta.Upstream = m.current().Meta.Upstream
	m.setCurrent(fresh)

	if err := m.persistState(ctx, fresh); err != nil {
		slog.Error("Failed to persist state after reset", "error", err)
	}

	slog.Info("State reset: event ring and state row wiped")
	m.broadcast(Update{
		SchemaVersion: SchemaVersion,
		UpdateKind:    state.UpdateFullSync,
		Reason:        "reset",
		State:         fresh.Clone(),
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

func (m *Manager) handleUpstream(status string) {
	cur := m.current()
	if cur.Meta.Upstream == status {
		return
	}
	next := cur.Clone()
	next.Meta.Upstream = status
	m.setCurrent(next)

	m.broadcast(Update{
		SchemaVersion: SchemaVersion,
		UpdateKind:    state.UpdateEvents,
		Reason:        "upstream-" + status,
		Changed:       &Changed{Path: "meta.upstream", Summary: "Upstream connection is " + status},
		State:         next.Clone(),
		Timestamp:     time.Now().UTC(),
	})
}

func (m *Manager) current() *state.UnifiedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) setCurrent(s *state.UnifiedState) {
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()
}

func (m *Manager) persistState(ctx context.Context, s *state.UnifiedState) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return m.store.SaveState(ctx, blob)
}

func (m *Manager) broadcast(u Update) {
	m.subMu.RLock()
	subs := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
}
