package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
	"github.com/nightwatch-obs/nightwatch/pkg/state"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
)

// Hub fans state updates out to dashboard WebSocket clients. Each client has
// a bounded send queue; a client that cannot keep up is dropped rather than
// allowed to stall the broadcast path.
type Hub struct {
	cfg     config.FanoutConfig
	manager *unified.Manager

	mu      sync.RWMutex
	clients map[string]*hubClient

	unsubscribe func()
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type hubClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// clientMessage is what dashboards may send us.
type clientMessage struct {
	Type string `json:"type"`
}

// NewHub creates a Hub. Call Start before accepting connections.
func NewHub(cfg config.FanoutConfig, manager *unified.Manager) *Hub {
	return &Hub{
		cfg:     cfg,
		manager: manager,
		clients: make(map[string]*hubClient),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to the state manager and begins the heartbeat ticker.
func (h *Hub) Start() {
	h.unsubscribe = h.manager.Subscribe(func(u unified.Update) {
		data, err := json.Marshal(u)
		if err != nil {
			slog.Error("Failed to marshal state update", "error", err)
			return
		}
		h.broadcast(data)
	})

	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop drops every client and halts the heartbeat.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c, websocket.StatusGoingAway, "server shutting down")
	}

	h.wg.Wait()
}

// ActiveClients returns the number of connected dashboards.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection runs one dashboard connection to completion. The full
// state goes out first so the client never renders from deltas alone.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		slog.Warn("Rejecting WebSocket client, capacity reached", "max_clients", h.cfg.MaxClients)
		_ = conn.Close(websocket.StatusTryAgainLater, "busy")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &hubClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}

	// Snapshot and queue the full sync before releasing the lock. A delta
	// broadcast either completed before the snapshot (so the snapshot already
	// contains it) or blocks on the lock and lands behind the full sync; the
	// client's first message is always the full state.
	fullSync, err := json.Marshal(unified.Update{
		SchemaVersion: unified.SchemaVersion,
		UpdateKind:    state.UpdateFullSync,
		Reason:        "initial-state",
		State:         h.manager.Snapshot(),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		h.mu.Unlock()
		cancel()
		slog.Error("Failed to marshal full sync", "client_id", c.id, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "state serialization failure")
		return
	}
	c.send <- fullSync
	h.clients[c.id] = c
	h.mu.Unlock()

	slog.Info("Dashboard connected", "client_id", c.id, "clients", h.ActiveClients())
	defer h.drop(c, websocket.StatusNormalClosure, "")

	h.wg.Add(1)
	go h.writeLoop(c)

	// Read loop. Dashboards only ever send small control frames.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid client message", "client_id", c.id, "error", err)
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"timestamp": time.Now().UTC(),
			})
			h.enqueue(c, pong)
		}
	}
}

// writeLoop drains the client's send queue with a per-write timeout.
func (h *Hub) writeLoop(c *hubClient) {
	defer h.wg.Done()
	for {
		select {
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, h.cfg.SendTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("Dropping slow WebSocket client", "client_id", c.id, "error", err)
				h.drop(c, websocket.StatusPolicyViolation, "write timeout")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// broadcast enqueues data to every client. A full queue means the client is
// too far behind to ever catch up on deltas; it gets dropped and must
// reconnect for a fresh full sync.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.enqueue(c, data)
	}
}

func (h *Hub) enqueue(c *hubClient, data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("WebSocket client queue overflow", "client_id", c.id, "queue", h.cfg.SendQueue)
		h.drop(c, websocket.StatusPolicyViolation, "send queue overflow")
	}
}

// drop removes the client exactly once. Safe to call from any goroutine.
func (h *Hub) drop(c *hubClient, code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.cancel()
		_ = c.conn.Close(code, reason)
		slog.Info("Dashboard disconnected", "client_id", c.id)
	})
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			beat, err := json.Marshal(unified.Update{
				SchemaVersion: unified.SchemaVersion,
				UpdateKind:    state.UpdateHeartbeat,
				Reason:        "heartbeat",
				State:         h.manager.Snapshot(),
				Timestamp:     now.UTC(),
			})
			if err != nil {
				continue
			}
			h.broadcast(beat)
		case <-h.stopCh:
			return
		}
	}
}
