package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
	"github.com/nightwatch-obs/nightwatch/pkg/events"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
)

type nopStore struct{}

func (nopStore) AppendEvent(context.Context, string, time.Time, []byte) error { return nil }
func (nopStore) SaveState(context.Context, []byte) error                      { return nil }
func (nopStore) Truncate(context.Context) error                               { return nil }

// idleConn returns a connected WebSocket whose server side never reads or
// writes, so test clients can be parked in the hub.
func idleConn(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		<-r.Context().Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func newIdleHub(t *testing.T, cfg config.FanoutConfig) *Hub {
	t.Helper()
	manager := unified.NewManager(nopStore{}, events.NewNormalizer(time.UTC), nil, unified.Config{
		HousekeepInterval: time.Hour,
	})
	manager.Start()
	t.Cleanup(manager.Stop)
	return NewHub(cfg, manager)
}

// park registers a client in the hub without a write loop, so its send queue
// fills deterministically.
func park(h *Hub, id string, conn *websocket.Conn) *hubClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &hubClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func TestHubQueueOverflowDropsClient(t *testing.T) {
	cfg := testFanoutConfig()
	cfg.SendQueue = 2
	h := newIdleHub(t, cfg)

	slow := park(h, "slow", idleConn(t))
	require.Equal(t, 1, h.ActiveClients())

	// The queue holds exactly SendQueue messages; the next one drops the
	// client instead of blocking the broadcast path.
	h.broadcast([]byte(`{"n":1}`))
	h.broadcast([]byte(`{"n":2}`))
	require.Equal(t, 1, h.ActiveClients())

	h.broadcast([]byte(`{"n":3}`))
	assert.Equal(t, 0, h.ActiveClients())
	assert.Error(t, slow.ctx.Err(), "dropped client context must be canceled")
}

func TestHubOverflowLeavesOthersAlone(t *testing.T) {
	cfg := testFanoutConfig()
	cfg.SendQueue = 1
	h := newIdleHub(t, cfg)

	slow := park(h, "slow", idleConn(t))
	healthy := park(h, "healthy", idleConn(t))

	// Drain healthy's queue continuously so only slow overflows.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-healthy.send:
			case <-stop:
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		h.broadcast([]byte(`{}`))
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.RLock()
	_, slowAlive := h.clients[slow.id]
	_, healthyAlive := h.clients[healthy.id]
	h.mu.RUnlock()
	assert.False(t, slowAlive)
	assert.True(t, healthyAlive)
}

func TestHubDropIsIdempotent(t *testing.T) {
	h := newIdleHub(t, testFanoutConfig())
	c := park(h, "twice", idleConn(t))

	h.drop(c, websocket.StatusNormalClosure, "")
	h.drop(c, websocket.StatusNormalClosure, "")
	assert.Equal(t, 0, h.ActiveClients())
}
