package api

import (
	"encoding/json"
	"time"
)

// recentEventResponse is one row of the persistent event ring as served by
// GET /api/v1/events/recent. Event carries the original upstream frame.
type recentEventResponse struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	Time  time.Time       `json:"time"`
	Event json.RawMessage `json:"event"`
}
