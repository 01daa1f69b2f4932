// Package state holds the unified observatory state and the pure reducer
// that folds normalized upstream events into it.
package state

import (
	"time"
)

// RecentEventsCap bounds the in-state recent events ring.
const RecentEventsCap = 50

// Equipment types recognized by the reducer.
type EquipmentType string

// Known equipment types.
const (
	TypeMount         EquipmentType = "mount"
	TypeCamera        EquipmentType = "camera"
	TypeFilterWheel   EquipmentType = "filterWheel"
	TypeFocuser       EquipmentType = "focuser"
	TypeGuider        EquipmentType = "guider"
	TypeRotator       EquipmentType = "rotator"
	TypeSwitch        EquipmentType = "switch"
	TypeFlatPanel     EquipmentType = "flatPanel"
	TypeWeather       EquipmentType = "weather"
	TypeDome          EquipmentType = "dome"
	TypeSafetyMonitor EquipmentType = "safetyMonitor"
)

// Activity classifies what the rig is doing right now.
type Activity string

// Activity values, in classification priority order.
const (
	ActivityAutofocus Activity = "autofocus"
	ActivityGuiding   Activity = "guiding"
	ActivitySlewing   Activity = "slewing"
	ActivityRotating  Activity = "rotating"
	ActivityImaging   Activity = "imaging"
	ActivityIdle      Activity = "idle"
)

// UpdateKind names the state subtree a delta touched. It doubles as the
// updateKind field of the broadcast envelope.
type UpdateKind string

// Update kinds.
const (
	UpdateFullSync  UpdateKind = "fullSync"
	UpdateSession   UpdateKind = "session"
	UpdateEquipment UpdateKind = "equipment"
	UpdateImage     UpdateKind = "image"
	UpdateStack     UpdateKind = "stack"
	UpdateSafety    UpdateKind = "safety"
	UpdateEvents    UpdateKind = "events"
	UpdateHeartbeat UpdateKind = "heartbeat"
)

// UnifiedState is the single derived view of the observatory. It is replaced
// atomically on every update; only the state manager's writer mutates it.
type UnifiedState struct {
	CurrentSession SessionState     `json:"currentSession"`
	Equipment      []EquipmentEntry `json:"equipment"`
	RecentEvents   []RecentEvent    `json:"recentEvents"`
	Stack          StackState       `json:"stack"`
	Safety         SafetyState      `json:"safety"`
	Meta           StateMeta        `json:"meta"`
}

// SessionState bounds one imaging session and everything scoped to it.
type SessionState struct {
	IsActive         Tristate     `json:"isActive"`
	StartedAt        *time.Time   `json:"startedAt"`
	Target           *Target      `json:"target"`
	Imaging          ImagingState `json:"imaging"`
	Guiding          GuidingState `json:"guiding"`
	Activity         Activity     `json:"activity"`
	AutofocusRunning bool         `json:"autofocusRunning"`

	// LastSessionEventAt is the newest session-scoped event time; the
	// target-expiry safeguard measures staleness against it.
	LastSessionEventAt *time.Time `json:"lastSessionEventAt"`
}

// Target describes the object currently being imaged.
type Target struct {
	ProjectName string         `json:"projectName,omitempty"`
	TargetName  string         `json:"targetName,omitempty"`
	RADeg       *float64       `json:"raDeg"`
	DecDeg      *float64       `json:"decDeg"`
	PanelIndex  *int           `json:"panelIndex"`
	RotationDeg *float64       `json:"rotationDeg"`
	StartedAt   time.Time      `json:"startedAt"`
	Details     map[string]any `json:"details,omitempty"`
}

// ImagingState tracks filter, exposure and the most recent saved image.
type ImagingState struct {
	CurrentFilter   string         `json:"currentFilter,omitempty"`
	ExposureSeconds *float64       `json:"exposureSeconds"`
	FrameType       string         `json:"frameType,omitempty"`
	SequenceName    string         `json:"sequenceName,omitempty"`
	Progress        *FrameProgress `json:"progress"`
	LastImage       *LastImage     `json:"lastImage"`
}

// FrameProgress is the position within the running sequence.
type FrameProgress struct {
	FrameIndex  int `json:"frameIndex"`
	TotalFrames int `json:"totalFrames"`
}

// LastImage records the most recent IMAGE-SAVE.
type LastImage struct {
	At       time.Time `json:"at"`
	FilePath string    `json:"filePath"`
}

// GuidingState tracks the guider and its last reported RMS errors.
// RMS values survive a guiding stop so the dashboard can show the last run.
type GuidingState struct {
	IsGuiding    bool       `json:"isGuiding"`
	Since        *time.Time `json:"since"`
	LastRmsTotal *float64   `json:"lastRmsTotal"`
	LastRmsRa    *float64   `json:"lastRmsRa"`
	LastRmsDec   *float64   `json:"lastRmsDec"`
	LastUpdate   *time.Time `json:"lastUpdate"`
}

// EquipmentEntry is one device, unique by (Type, ID).
type EquipmentEntry struct {
	ID         string         `json:"id"`
	Type       EquipmentType  `json:"type"`
	Name       string         `json:"name,omitempty"`
	Connected  bool           `json:"connected"`
	Status     string         `json:"status"`
	LastChange time.Time      `json:"lastChange"`
	Details    map[string]any `json:"details,omitempty"`
}

// RecentEvent is one ring entry, newest first. Key is the normalized event's
// idempotency key; the reducer uses it to short-circuit seeder replays.
type RecentEvent struct {
	Key     string         `json:"key"`
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	Summary string         `json:"summary"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// StackState mirrors the latest STACK-UPDATED payload.
type StackState struct {
	UpdatedAt *time.Time     `json:"updatedAt"`
	Details   map[string]any `json:"details,omitempty"`
}

// Alert is a sticky condition surfaced to dashboards until cleared.
type Alert struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raisedAt"`
}

// SafetyState mirrors the safety monitor plus sticky alerts.
type SafetyState struct {
	IsSafe    Tristate       `json:"isSafe"`
	ChangedAt *time.Time     `json:"changedAt"`
	Details   map[string]any `json:"details,omitempty"`
	Alerts    []Alert        `json:"alerts,omitempty"`
}

// Upstream health markers carried in StateMeta.
const (
	UpstreamLive     = "live"
	UpstreamDegraded = "degraded"
)

// StateMeta carries pipeline bookkeeping: the high-watermark of observed
// event times (stale-history guard) and upstream connectivity.
type StateMeta struct {
	Upstream  string    `json:"upstream,omitempty"`
	Watermark time.Time `json:"watermark"`
}

// Delta names the subtree a reduction changed and why.
type Delta struct {
	Kind    UpdateKind     `json:"kind"`
	Reason  string         `json:"reason"`
	Path    string         `json:"path"`
	Summary string         `json:"summary"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// New returns the empty state: no session, no equipment, empty ring.
// IsActive starts false rather than unknown — a fresh aggregator with no
// history reports an idle rig.
func New() *UnifiedState {
	return &UnifiedState{
		CurrentSession: SessionState{
			IsActive: TristateFalse,
			Activity: ActivityIdle,
		},
		Equipment:    []EquipmentEntry{},
		RecentEvents: []RecentEvent{},
	}
}

// Clone returns a deep copy safe to hand to readers and subscribers.
func (s *UnifiedState) Clone() *UnifiedState {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentSession = s.CurrentSession.clone()
	c.Equipment = make([]EquipmentEntry, len(s.Equipment))
	for i, e := range s.Equipment {
		c.Equipment[i] = e
		c.Equipment[i].Details = cloneMap(e.Details)
		c.Equipment[i].LastChange = e.LastChange
	}
	c.RecentEvents = make([]RecentEvent, len(s.RecentEvents))
	for i, r := range s.RecentEvents {
		c.RecentEvents[i] = r
		c.RecentEvents[i].Meta = cloneMap(r.Meta)
	}
	c.Stack.UpdatedAt = cloneTime(s.Stack.UpdatedAt)
	c.Stack.Details = cloneMap(s.Stack.Details)
	c.Safety.ChangedAt = cloneTime(s.Safety.ChangedAt)
	c.Safety.Details = cloneMap(s.Safety.Details)
	c.Safety.Alerts = append([]Alert(nil), s.Safety.Alerts...)
	return &c
}

func (cs SessionState) clone() SessionState {
	c := cs
	c.StartedAt = cloneTime(cs.StartedAt)
	c.LastSessionEventAt = cloneTime(cs.LastSessionEventAt)
	if cs.Target != nil {
		t := *cs.Target
		t.RADeg = cloneFloat(cs.Target.RADeg)
		t.DecDeg = cloneFloat(cs.Target.DecDeg)
		t.PanelIndex = cloneInt(cs.Target.PanelIndex)
		t.RotationDeg = cloneFloat(cs.Target.RotationDeg)
		t.Details = cloneMap(cs.Target.Details)
		c.Target = &t
	}
	c.Imaging.ExposureSeconds = cloneFloat(cs.Imaging.ExposureSeconds)
	if cs.Imaging.Progress != nil {
		p := *cs.Imaging.Progress
		c.Imaging.Progress = &p
	}
	if cs.Imaging.LastImage != nil {
		li := *cs.Imaging.LastImage
		c.Imaging.LastImage = &li
	}
	c.Guiding.Since = cloneTime(cs.Guiding.Since)
	c.Guiding.LastRmsTotal = cloneFloat(cs.Guiding.LastRmsTotal)
	c.Guiding.LastRmsRa = cloneFloat(cs.Guiding.LastRmsRa)
	c.Guiding.LastRmsDec = cloneFloat(cs.Guiding.LastRmsDec)
	c.Guiding.LastUpdate = cloneTime(cs.Guiding.LastUpdate)
	return c
}

// Equipment lookup by (type, id). Returns nil when absent.
func (s *UnifiedState) FindEquipment(typ EquipmentType, id string) *EquipmentEntry {
	for i := range s.Equipment {
		if s.Equipment[i].Type == typ && s.Equipment[i].ID == id {
			return &s.Equipment[i]
		}
	}
	return nil
}

// firstOfType returns the first equipment entry of the given type.
func (s *UnifiedState) firstOfType(typ EquipmentType) *EquipmentEntry {
	for i := range s.Equipment {
		if s.Equipment[i].Type == typ {
			return &s.Equipment[i]
		}
	}
	return nil
}

// HasEventKey reports whether the ring already holds an event with this
// idempotency key.
func (s *UnifiedState) HasEventKey(key string) bool {
	if key == "" {
		return false
	}
	for i := range s.RecentEvents {
		if s.RecentEvents[i].Key == key {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
