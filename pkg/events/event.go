// Package events normalizes raw upstream imaging-control messages into the
// canonical form the reducer consumes: a stable kind, a UTC instant, a
// category and an idempotency key.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Category buckets normalized events by the state subtree they usually touch.
type Category string

// Categories.
const (
	CategoryGuiding   Category = "guiding"
	CategorySession   Category = "session"
	CategoryEquipment Category = "equipment"
	CategoryImage     Category = "image"
	CategoryStack     Category = "stack"
	CategorySafety    Category = "safety"
	CategoryOther     Category = "other"
)

// Normalized is a raw upstream event after normalization. Time is always UTC.
type Normalized struct {
	Key      string          `json:"key"`
	Time     time.Time       `json:"time"`
	Category Category        `json:"category"`
	Kind     string          `json:"kind"`
	Payload  map[string]any  `json:"payload,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// MalformedEventError reports an upstream message that cannot be normalized.
// Such events are counted and dropped; they never reach the reducer.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}
