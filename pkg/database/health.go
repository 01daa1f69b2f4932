package database

import (
	"context"
	"time"
)

// HealthStatus reports store reachability plus ring occupancy.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	Events       int    `json:"events"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
}

// Health pings the database file and reports how full the event ring is.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	events, err := c.EventCount(ctx)
	if err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		Events:       events,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
	}, nil
}
