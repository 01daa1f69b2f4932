// Package config resolves the aggregator configuration from defaults, an
// optional nightwatch.yaml, and environment variables (highest precedence).
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved configuration.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int `yaml:"port"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// Timezone is the IANA zone of the imaging-control host. Naive event
	// timestamps are interpreted in this zone.
	Timezone string `yaml:"timezone"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Writer   WriterConfig   `yaml:"writer"`
}

// UpstreamConfig drives the imaging-control WebSocket client and the
// event-history HTTP client.
type UpstreamConfig struct {
	// URL is the imaging-control WebSocket endpoint.
	URL string `yaml:"url"`

	// HistoryURL is the event-history HTTP endpoint used at startup.
	HistoryURL string `yaml:"history_url"`

	// SubscribeFrame is sent verbatim right after the socket opens.
	SubscribeFrame string `yaml:"subscribe_frame"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ReconnectBase    time.Duration `yaml:"reconnect_base"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	// FlapDelay is the fixed pause used instead of exponential backoff when
	// the socket drops within moments of an equipment connect/disconnect.
	FlapDelay time.Duration `yaml:"flap_delay"`

	HistoryConnectTimeout time.Duration `yaml:"history_connect_timeout"`
	HistoryReadTimeout    time.Duration `yaml:"history_read_timeout"`
}

// SessionConfig drives the session housekeeping loop.
type SessionConfig struct {
	// TargetExpiry is how long a target may sit without session events
	// before it is treated as stale and cleared.
	TargetExpiry      time.Duration `yaml:"target_expiry"`
	HousekeepInterval time.Duration `yaml:"housekeep_interval"`
}

// FanoutConfig drives the dashboard fan-out server.
type FanoutConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	SendQueue         int           `yaml:"send_queue"`
	MaxClients        int           `yaml:"max_clients"`
}

// WriterConfig drives the single-writer state manager.
type WriterConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     3001,
		DBPath:   "nightwatch.db",
		Timezone: "UTC",
		Upstream: UpstreamConfig{
			URL:                   "ws://localhost:1888/v2/socket",
			HistoryURL:            "http://localhost:1888/v2/api/event-history",
			SubscribeFrame:        `{"Event":"SUBSCRIBE"}`,
			HandshakeTimeout:      10 * time.Second,
			PingInterval:          30 * time.Second,
			IdleTimeout:           5 * time.Minute,
			ReconnectBase:         5 * time.Second,
			ReconnectMax:          60 * time.Second,
			FlapDelay:             2 * time.Second,
			HistoryConnectTimeout: 10 * time.Second,
			HistoryReadTimeout:    30 * time.Second,
		},
		Session: SessionConfig{
			TargetExpiry:      8 * time.Hour,
			HousekeepInterval: time.Minute,
		},
		Fanout: FanoutConfig{
			HeartbeatInterval: 20 * time.Second,
			SendTimeout:       5 * time.Second,
			SendQueue:         64,
			MaxClients:        100,
		},
		Writer: WriterConfig{
			QueueSize:    1024,
			DrainTimeout: 2 * time.Second,
		},
	}
}

// Validate checks the resolved configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url must not be empty")
	}
	if c.Upstream.ReconnectBase <= 0 || c.Upstream.ReconnectMax < c.Upstream.ReconnectBase {
		return fmt.Errorf("upstream reconnect window invalid: base=%s max=%s",
			c.Upstream.ReconnectBase, c.Upstream.ReconnectMax)
	}
	if c.Session.TargetExpiry <= 0 {
		return fmt.Errorf("session.target_expiry must be positive")
	}
	if c.Fanout.SendQueue < 1 {
		return fmt.Errorf("fanout.send_queue must be at least 1")
	}
	if c.Fanout.MaxClients < 1 {
		return fmt.Errorf("fanout.max_clients must be at least 1")
	}
	if c.Writer.QueueSize < 1 {
		return fmt.Errorf("writer.queue_size must be at least 1")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
