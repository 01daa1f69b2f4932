// Package upstream connects to the imaging-control software: a reconnecting
// WebSocket client for the live event stream and an HTTP client for the
// startup history fetch.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
)

// Sink receives every raw frame from the live socket. Implemented by
// unified.Manager.
type Sink interface {
	Submit(ctx context.Context, raw []byte) error
	MarkUpstream(status string)
}

// Client maintains the upstream WebSocket connection for the process
// lifetime, reconnecting with exponential backoff.
type Client struct {
	cfg  config.UpstreamConfig
	sink Sink

	// lastEquipmentFlap is set by the frame inspector when a connect or
	// disconnect event passes through; a socket drop right after one gets a
	// short fixed retry delay instead of the full backoff.
	mu                sync.Mutex
	lastEquipmentFlap time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a Client. Call Start to begin connecting.
func NewClient(cfg config.UpstreamConfig, sink Sink) *Client {
	return &Client{
		cfg:    cfg,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
}

// Start launches the connection loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the connection down and waits for the loop to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.sink.MarkUpstream("degraded")
		if err != nil {
			slog.Warn("Upstream connection lost", "error", err)
		}

		// A completed open+handshake restarts the backoff ladder; only
		// consecutive failed dials escalate toward the cap.
		if opened {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		if c.droppedDuringFlap() {
			// Equipment connect/disconnect bounces the socket; come back
			// quickly instead of waiting out the exponential window.
			delay = c.cfg.FlapDelay
		}
		slog.Info("Reconnecting to upstream", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session dials, subscribes, and pumps frames until the socket dies. The
// returned bool reports whether the open+handshake completed, regardless of
// how the session ended afterwards.
func (c *Client) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Frames can exceed the 32 KiB default when history-sized payloads
	// arrive inline.
	conn.SetReadLimit(1 << 20)

	if c.cfg.SubscribeFrame != "" {
		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, []byte(c.cfg.SubscribeFrame))
		cancel()
		if err != nil {
			return false, err
		}
	}

	slog.Info("Connected to upstream", "url", c.cfg.URL)
	c.sink.MarkUpstream("live")

	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()

	// Keepalive pings; an unanswered ping fails and tears the session down.
	pingErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(sessionCtx, c.cfg.HandshakeTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					select {
					case pingErr <- err:
					default:
					}
					return
				}
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		// No frame within IdleTimeout means the upstream is wedged even if
		// TCP still looks alive; force a reconnect.
		readCtx, cancel := context.WithTimeout(sessionCtx, c.cfg.IdleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			select {
			case perr := <-pingErr:
				return true, perr
			default:
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return true, errors.New("no frames within idle timeout")
			}
			return true, err
		}

		c.inspectFrame(data)
		if err := c.sink.Submit(ctx, data); err != nil {
			return true, err
		}
	}
}

// inspectFrame watches for equipment connect/disconnect markers so a socket
// drop immediately afterwards can be classified as a flap.
func (c *Client) inspectFrame(data []byte) {
	s := string(data)
	if strings.Contains(s, "-CONNECTED") || strings.Contains(s, "-DISCONNECTED") {
		c.mu.Lock()
		c.lastEquipmentFlap = time.Now()
		c.mu.Unlock()
	}
}

func (c *Client) droppedDuringFlap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastEquipmentFlap.IsZero() && time.Since(c.lastEquipmentFlap) < c.cfg.FlapDelay
}
