package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nightwatch-obs/nightwatch/pkg/database"
	"github.com/nightwatch-obs/nightwatch/pkg/seed"
)

// healthHandler handles GET /health. Degrades to 503 when the database is
// unreachable; the in-memory state still serves in that case, so the body
// always includes the pipeline status.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{
		"status":   "healthy",
		"upstream": s.manager.Snapshot().Meta.Upstream,
		"clients":  s.hub.ActiveClients(),
	}

	dbHealth, err := s.db.Health(ctx)
	body["database"] = dbHealth
	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

// stateHandler handles GET /api/v1/state: the same snapshot a WebSocket
// client gets in its full sync, for tooling that prefers polling.
func (s *Server) stateHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Snapshot())
}

// recentEventsHandler handles GET /api/v1/events/recent?limit=N, reading the
// persistent ring (up to 500) rather than the in-state ring (50).
func (s *Server) recentEventsHandler(c *echo.Context) error {
	limit := database.EventRingCap
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	events, err := s.db.LoadRecent(ctx, limit)
	if err != nil {
		return mapStoreError(err)
	}

	out := make([]recentEventResponse, len(events))
	for i, e := range events {
		out[i] = recentEventResponse{
			ID:    e.ID,
			Type:  e.EventType,
			Time:  e.TimeUTC,
			Event: e.RawJSON,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}

// resetHandler handles POST /api/v1/reset: wipe the store, then rebuild from
// the upstream event history. Connected dashboards receive a fresh full sync
// followed by the replay deltas. When the history is unreachable the wipe has
// already happened, so the failure is reported rather than rolled back.
func (s *Server) resetHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()
	if err := s.manager.Reset(ctx); err != nil {
		if errors.Is(err, seed.ErrHistoryUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable,
				"state wiped but event history is unavailable; state is empty until upstream returns")
		}
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}
