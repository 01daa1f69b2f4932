package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
	"github.com/nightwatch-obs/nightwatch/pkg/database"
	"github.com/nightwatch-obs/nightwatch/pkg/events"
	"github.com/nightwatch-obs/nightwatch/pkg/seed"
	"github.com/nightwatch-obs/nightwatch/pkg/state"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
)

func testFanoutConfig() config.FanoutConfig {
	return config.FanoutConfig{
		HeartbeatInterval: time.Hour, // keep heartbeats out of assertions
		SendTimeout:       time.Second,
		SendQueue:         8,
		MaxClients:        4,
	}
}

type testRig struct {
	server  *Server
	manager *unified.Manager
	ts      *httptest.Server
}

func newTestRig(t *testing.T, cfg config.FanoutConfig) *testRig {
	t.Helper()

	db, err := database.NewClient(context.Background(),
		database.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := unified.NewManager(db, events.NewNormalizer(time.UTC), nil, unified.Config{
		HousekeepInterval: time.Hour,
	})
	manager.Start()
	t.Cleanup(manager.Stop)

	s := NewServer(cfg, manager, db)
	s.hub.Start()
	t.Cleanup(s.hub.Stop)

	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)

	return &testRig{server: s, manager: manager, ts: ts}
}

func (r *testRig) wsURL() string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) unified.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var u unified.Update
	require.NoError(t, json.Unmarshal(data, &u))
	return u
}

func submitFrame(t *testing.T, rig *testRig, kind, ts, data string) {
	t.Helper()
	var raw string
	if data == "" {
		raw = fmt.Sprintf(`{"Event":%q,"Time":%q}`, kind, ts)
	} else {
		raw = fmt.Sprintf(`{"Event":%q,"Time":%q,"Data":%s}`, kind, ts, data)
	}
	require.NoError(t, rig.manager.Submit(context.Background(), []byte(raw)))
}

func TestWebSocketFullSyncThenDeltas(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	conn := dialWS(t, rig.wsURL())

	full := readUpdate(t, conn)
	assert.Equal(t, unified.SchemaVersion, full.SchemaVersion)
	assert.Equal(t, state.UpdateFullSync, full.UpdateKind)
	assert.Equal(t, "initial-state", full.Reason)
	require.NotNil(t, full.State)
	assert.Equal(t, state.TristateFalse, full.State.CurrentSession.IsActive)
	assert.Empty(t, full.State.Equipment)
	assert.Empty(t, full.State.RecentEvents)

	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	delta := readUpdate(t, conn)
	assert.Equal(t, state.UpdateSession, delta.UpdateKind)
	assert.Equal(t, "session-started", delta.Reason)
	require.NotNil(t, delta.State)
	assert.Equal(t, state.TristateTrue, delta.State.CurrentSession.IsActive)
	require.NotNil(t, delta.Changed)
	assert.Equal(t, "currentSession", delta.Changed.Path)
}

func TestWebSocketEnvelopeKeys(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	conn := dialWS(t, rig.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &envelope))
	for _, key := range []string{"schemaVersion", "updateKind", "updateReason", "changed", "state", "timestamp"} {
		assert.Contains(t, envelope, key)
	}
	assert.Equal(t, `"initial-state"`, string(envelope["updateReason"]))
	assert.Equal(t, "null", string(envelope["changed"]))
	assert.NotEqual(t, "null", string(envelope["state"]))
}

func TestWebSocketHeartbeatCarriesState(t *testing.T) {
	cfg := testFanoutConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	rig := newTestRig(t, cfg)

	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	require.NoError(t, rig.manager.Flush(context.Background()))

	conn := dialWS(t, rig.wsURL())
	readUpdate(t, conn) // full sync

	beat := readUpdate(t, conn)
	assert.Equal(t, state.UpdateHeartbeat, beat.UpdateKind)
	assert.Equal(t, "heartbeat", beat.Reason)
	require.NotNil(t, beat.State, "heartbeats include the full state")
	assert.Equal(t, state.TristateTrue, beat.State.CurrentSession.IsActive)
}

func TestWebSocketFirstMessageIsFullSync(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())

	// Keep deltas flowing while clients connect; none may arrive ahead of a
	// client's full sync.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		base := time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
			raw := fmt.Sprintf(`{"Event":"GUIDER-RMS","Time":%q,"Data":{"Total":0.8}}`, ts)
			if err := rig.manager.Submit(context.Background(), []byte(raw)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		conn := dialWS(t, rig.wsURL())
		first := readUpdate(t, conn)
		require.Equal(t, state.UpdateFullSync, first.UpdateKind,
			"client %d: first message must be the full sync", i)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func TestWebSocketLateJoinerSeesFoldedState(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())

	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	submitFrame(t, rig, "TS-NEWTARGETSTART", "2026-03-14T22:01:00Z", `{"TargetName":"M31"}`)
	require.NoError(t, rig.manager.Flush(context.Background()))

	conn := dialWS(t, rig.wsURL())
	full := readUpdate(t, conn)
	assert.Equal(t, state.UpdateFullSync, full.UpdateKind)
	require.NotNil(t, full.State.CurrentSession.Target)
	assert.Equal(t, "M31", full.State.CurrentSession.Target.TargetName)
	assert.Len(t, full.State.RecentEvents, 2)
}

func TestWebSocketPingPong(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	conn := dialWS(t, rig.wsURL())
	readUpdate(t, conn) // full sync

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var pong map[string]any
	require.NoError(t, json.Unmarshal(data, &pong))
	assert.Equal(t, "pong", pong["type"])
	assert.NotEmpty(t, pong["timestamp"])
}

func TestWebSocketClientCap(t *testing.T) {
	cfg := testFanoutConfig()
	cfg.MaxClients = 1
	rig := newTestRig(t, cfg)

	first := dialWS(t, rig.wsURL())
	readUpdate(t, first)
	require.Equal(t, 1, rig.server.hub.ActiveClients())

	// The second client is accepted, then immediately closed with "busy".
	second := dialWS(t, rig.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))

	// The first client is unaffected.
	submitFrame(t, rig, "GUIDER-START", "2026-03-14T22:00:00Z", "")
	delta := readUpdate(t, first)
	assert.Equal(t, "guiding-started", delta.Reason)
}

func TestHealthEndpoint(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())

	resp, err := http.Get(rig.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "database")
}

func TestStateEndpoint(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	require.NoError(t, rig.manager.Flush(context.Background()))

	resp, err := http.Get(rig.ts.URL + "/api/v1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap state.UnifiedState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, state.TristateTrue, snap.CurrentSession.IsActive)
}

func TestRecentEventsEndpoint(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	submitFrame(t, rig, "IMAGE-SAVE", "2026-03-14T22:00:00Z", `{"FilePath":"a.fits"}`)
	submitFrame(t, rig, "IMAGE-SAVE", "2026-03-14T22:01:00Z", `{"FilePath":"b.fits"}`)
	require.NoError(t, rig.manager.Flush(context.Background()))

	t.Run("returns newest first", func(t *testing.T) {
		resp, err := http.Get(rig.ts.URL + "/api/v1/events/recent")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Events []recentEventResponse `json:"events"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Events, 2)
		assert.Contains(t, string(body.Events[0].Event), "b.fits")
		assert.Contains(t, string(body.Events[1].Event), "a.fits")
	})

	t.Run("respects limit", func(t *testing.T) {
		resp, err := http.Get(rig.ts.URL + "/api/v1/events/recent?limit=1")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body struct {
			Events []recentEventResponse `json:"events"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Len(t, body.Events, 1)
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		resp, err := http.Get(rig.ts.URL + "/api/v1/events/recent?limit=zero")
		require.NoError(t, err)
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestResetEndpoint(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())

	// Replaying history is part of a reset; this history holds one event.
	rig.manager.SetReseeder(func(ctx context.Context) error {
		raw := []byte(`{"Event":"GUIDER-START","Time":"2026-03-14T23:00:00Z"}`)
		if err := rig.manager.Submit(ctx, raw); err != nil {
			return err
		}
		return rig.manager.Flush(ctx)
	})

	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	require.NoError(t, rig.manager.Flush(context.Background()))

	conn := dialWS(t, rig.wsURL())
	readUpdate(t, conn) // full sync with the active session

	resp, err := http.Post(rig.ts.URL+"/api/v1/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Connected dashboards get a fresh full sync, then the replay deltas.
	u := readUpdate(t, conn)
	assert.Equal(t, state.UpdateFullSync, u.UpdateKind)
	assert.Equal(t, "reset", u.Reason)
	assert.Equal(t, state.TristateFalse, u.State.CurrentSession.IsActive)

	delta := readUpdate(t, conn)
	assert.Equal(t, "guiding-started", delta.Reason)

	snap := rig.manager.Snapshot()
	assert.Len(t, snap.RecentEvents, 1, "only the replayed history remains")
}

func TestResetEndpointHistoryUnavailable(t *testing.T) {
	rig := newTestRig(t, testFanoutConfig())
	rig.manager.SetReseeder(func(context.Context) error {
		return fmt.Errorf("%w: fetch failed", seed.ErrHistoryUnavailable)
	})

	submitFrame(t, rig, "SEQUENCE-STARTING", "2026-03-14T22:00:00Z", "")
	require.NoError(t, rig.manager.Flush(context.Background()))

	resp, err := http.Post(rig.ts.URL+"/api/v1/reset", "application/json", nil)
	require.NoError(t, err)
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The wipe still happened; the state is empty until upstream returns.
	snap := rig.manager.Snapshot()
	assert.Equal(t, state.TristateFalse, snap.CurrentSession.IsActive)
	assert.Empty(t, snap.RecentEvents)
}
