// Package api exposes the aggregator over HTTP: a WebSocket fan-out for
// dashboards plus a small JSON API for snapshots and administration.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
	"github.com/nightwatch-obs/nightwatch/pkg/database"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
)

// Server is the HTTP/WebSocket surface.
type Server struct {
	cfg     config.FanoutConfig
	manager *unified.Manager
	db      *database.Client
	hub     *Hub

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the routes. Call Start to listen.
func NewServer(cfg config.FanoutConfig, manager *unified.Manager, db *database.Client) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		db:      db,
		hub:     NewHub(cfg, manager),
	}

	e := echo.New()
	e.Use(requestLogger())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/api/v1/state", s.stateHandler)
	e.GET("/api/v1/events/recent", s.recentEventsHandler)
	e.POST("/api/v1/reset", s.resetHandler)

	s.echo = e
	return s
}

// Hub returns the fan-out hub, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins broadcasting and listens on addr. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.hub.Start()
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.http.ListenAndServe()
}

// Shutdown closes all WebSocket clients and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
