package state

import (
	"strings"
	"time"

	"github.com/nightwatch-obs/nightwatch/pkg/events"
)

// Reduce folds one normalized event into the state. It is pure: the input
// state is never mutated, and the only clock it sees is the event's own
// timestamp (target expiry runs separately through Housekeep).
//
// A nil delta means the event was dropped: either its idempotency key is
// already in the ring (seeder replay overlapping live events) or evt is nil.
func Reduce(s *UnifiedState, evt *events.Normalized) (*UnifiedState, *Delta) {
	if evt == nil {
		return s, nil
	}
	if s.HasEventKey(evt.Key) {
		return s, nil
	}

	next := s.Clone()

	// Stale events (older than the watermark) still land in the ring but
	// must not override "latest change" projections derived from newer
	// real-time arrivals. Equal timestamps resolve by arrival order.
	stale := !next.Meta.Watermark.IsZero() && evt.Time.Before(next.Meta.Watermark)
	if evt.Time.After(next.Meta.Watermark) {
		next.Meta.Watermark = evt.Time
	}

	delta, ringMeta := next.apply(evt, stale)
	next.insertRecent(evt, ringMeta)
	next.CurrentSession.Activity = classify(next)
	return next, delta
}

// Housekeep applies the target-expiry safeguard with an injected clock: if
// the current target is older than expiry and no newer session event has
// arrived, the stream is treated as stale — target cleared, session closed.
func Housekeep(s *UnifiedState, now time.Time, expiry time.Duration) (*UnifiedState, *Delta) {
	t := s.CurrentSession.Target
	if t == nil || t.StartedAt.IsZero() {
		return s, nil
	}
	ref := t.StartedAt
	if last := s.CurrentSession.LastSessionEventAt; last != nil && last.After(ref) {
		ref = *last
	}
	if now.Sub(ref) <= expiry {
		return s, nil
	}

	next := s.Clone()
	next.CurrentSession.Target = nil
	next.CurrentSession.IsActive = TristateFalse
	next.CurrentSession.Activity = classify(next)
	return next, &Delta{
		Kind:    UpdateSession,
		Reason:  "target-expired",
		Path:    "currentSession",
		Summary: "Target expired after " + expiry.String() + " without session events",
	}
}

// apply mutates the (already cloned) state and returns the delta plus any
// extra metadata for the ring entry.
func (s *UnifiedState) apply(evt *events.Normalized, stale bool) (*Delta, map[string]any) {
	switch evt.Kind {
	case "SEQUENCE-STARTING":
		return s.applySequenceStart(evt), nil
	case "SEQUENCE-STOPPED", "SEQUENCE-COMPLETED", "SEQUENCE-FINISHED":
		return s.applySequenceEnd(evt), nil
	case "TS-NEWTARGETSTART", "TS-TARGETSTART":
		return s.applyTargetStart(evt, stale), nil
	case "AUTOFOCUS-START":
		s.touchSessionEvent(evt.Time)
		s.CurrentSession.AutofocusRunning = true
		return s.sessionDelta(evt, "autofocus-started"), nil
	case "AUTOFOCUS-FINISHED":
		s.touchSessionEvent(evt.Time)
		s.CurrentSession.AutofocusRunning = false
		return s.sessionDelta(evt, "autofocus-finished"), nil
	case "GUIDER-START":
		g := &s.CurrentSession.Guiding
		g.IsGuiding = true
		since := evt.Time
		g.Since = &since
		s.Safety.clearAlert("platesolve")
		return s.sessionDelta(evt, "guiding-started"), nil
	case "GUIDER-STOP":
		s.CurrentSession.Guiding.IsGuiding = false
		return s.sessionDelta(evt, "guiding-stopped"), nil
	case "GUIDER-DISCONNECTED":
		s.CurrentSession.Guiding.IsGuiding = false
		s.upsertDevice(TypeGuider, evt, stale, deviceDisconnected)
		return s.sessionDelta(evt, "guiding-stopped"), nil
	case "GUIDER-RMS":
		return s.applyGuiderRMS(evt), nil
	case "IMAGE-SAVE":
		return s.applyImageSave(evt)
	case "FILTERWHEEL-CHANGED":
		return s.applyFilterChange(evt, stale), nil
	case "FLAT-LIGHT-TOGGLED":
		return s.applyFlatLight(evt, stale), nil
	case "SAFETY-CHANGED":
		return s.applySafetyChange(evt), nil
	case "ERROR-PLATESOLVE":
		msg := events.PayloadString(evt.Payload, "Message", "message", "Error", "error")
		if msg == "" {
			msg = "plate solve failed"
		}
		s.Safety.raiseAlert("platesolve", msg, evt.Time)
		return &Delta{Kind: UpdateSafety, Reason: "platesolve-failed", Path: "safety.alerts", Summary: events.Summarize(evt)}, nil
	case "STACK-UPDATED":
		at := evt.Time
		s.Stack.UpdatedAt = &at
		s.Stack.Details = mergeDetails(s.Stack.Details, evt.Payload)
		return &Delta{Kind: UpdateStack, Reason: "stack-updated", Path: "stack", Summary: events.Summarize(evt)}, nil
	}

	// Generic "<DEVICE>-<ACTION>" equipment events.
	if delta, ok := s.applyDeviceEvent(evt, stale); ok {
		return delta, nil
	}

	// Anything else only lands in the ring.
	return &Delta{Kind: UpdateEvents, Reason: "event-logged", Path: "recentEvents", Summary: events.Summarize(evt)}, nil
}

func (s *UnifiedState) applySequenceStart(evt *events.Normalized) *Delta {
	cs := &s.CurrentSession
	s.touchSessionEvent(evt.Time)
	if name := events.PayloadString(evt.Payload, "SequenceName", "sequenceName", "Name", "name"); name != "" {
		cs.Imaging.SequenceName = name
	}
	if cs.IsActive != TristateTrue {
		cs.IsActive = TristateTrue
		started := evt.Time
		cs.StartedAt = &started
		return s.sessionDelta(evt, "session-started")
	}
	return s.sessionDelta(evt, "sequence-starting")
}

func (s *UnifiedState) applySequenceEnd(evt *events.Normalized) *Delta {
	cs := &s.CurrentSession
	s.touchSessionEvent(evt.Time)
	if cs.IsActive == TristateTrue {
		// StartedAt and target survive so the dashboard can show what the
		// finished session was doing.
		cs.IsActive = TristateFalse
		return s.sessionDelta(evt, "session-ended")
	}
	return s.sessionDelta(evt, "sequence-finished")
}

func (s *UnifiedState) applyTargetStart(evt *events.Normalized, stale bool) *Delta {
	if stale {
		// Late history must not override the live target identity.
		return &Delta{Kind: UpdateEvents, Reason: "stale-event", Path: "recentEvents", Summary: events.Summarize(evt)}
	}
	s.touchSessionEvent(evt.Time)
	p := evt.Payload
	target := &Target{
		ProjectName: events.PayloadString(p, "ProjectName", "projectName", "Project", "project"),
		TargetName:  events.PayloadString(p, "TargetName", "targetName", "Name", "name"),
		StartedAt:   evt.Time,
	}
	if ra, ok := events.PayloadFloat(p, "RA", "Ra", "ra", "RADeg", "raDeg"); ok {
		target.RADeg = &ra
	}
	if dec, ok := events.PayloadFloat(p, "DEC", "Dec", "dec", "DecDeg", "decDeg"); ok {
		target.DecDeg = &dec
	}
	if rot, ok := events.PayloadFloat(p, "Rotation", "rotation", "RotationDeg", "rotationDeg"); ok {
		target.RotationDeg = &rot
	}
	if panel, ok := events.PayloadInt(p, "PanelIndex", "panelIndex", "PanelId", "panelId"); ok {
		target.PanelIndex = &panel
	}
	// Pre-formatted coordinate strings ride along in details.
	for _, k := range []string{"RAString", "raString", "DecString", "decString"} {
		if v := events.PayloadString(p, k); v != "" {
			if target.Details == nil {
				target.Details = map[string]any{}
			}
			target.Details[k] = v
		}
	}
	s.CurrentSession.Target = target

	if s.CurrentSession.IsActive != TristateTrue {
		s.CurrentSession.IsActive = TristateTrue
		started := evt.Time
		s.CurrentSession.StartedAt = &started
		return s.sessionDelta(evt, "session-started")
	}
	return s.sessionDelta(evt, "target-changed")
}

func (s *UnifiedState) applyGuiderRMS(evt *events.Normalized) *Delta {
	g := &s.CurrentSession.Guiding
	p := evt.Payload
	if total, ok := events.PayloadFloat(p, "RmsTotal", "rmsTotal", "Total", "total"); ok {
		g.LastRmsTotal = &total
	}
	if ra, ok := events.PayloadFloat(p, "RmsRa", "rmsRa", "Ra", "ra"); ok {
		g.LastRmsRa = &ra
	}
	if dec, ok := events.PayloadFloat(p, "RmsDec", "rmsDec", "Dec", "dec"); ok {
		g.LastRmsDec = &dec
	}
	at := evt.Time
	g.LastUpdate = &at
	return &Delta{Kind: UpdateSession, Reason: "guiding-rms", Path: "currentSession.guiding", Summary: events.Summarize(evt)}
}

func (s *UnifiedState) applyImageSave(evt *events.Normalized) (*Delta, map[string]any) {
	im := &s.CurrentSession.Imaging
	p := evt.Payload

	path := events.PayloadString(p, "FilePath", "filePath", "Path", "path")
	// lastImage.at never regresses within a session.
	if im.LastImage == nil || !evt.Time.Before(im.LastImage.At) {
		im.LastImage = &LastImage{At: evt.Time, FilePath: path}
	}

	if f := events.PayloadString(p, "Filter", "filter"); f != "" {
		im.CurrentFilter = f
	}
	frameType := strings.ToUpper(events.PayloadString(p, "FrameType", "frameType", "ImageType", "imageType"))
	switch frameType {
	case "LIGHT", "DARK", "BIAS", "FLAT":
		im.FrameType = frameType
	}
	if exp, ok := events.PayloadFloat(p, "ExposureTime", "exposureTime", "Exposure", "exposure"); ok {
		im.ExposureSeconds = &exp
	}
	if idx, ok := events.PayloadInt(p, "FrameIndex", "frameIndex"); ok {
		total, _ := events.PayloadInt(p, "TotalFrames", "totalFrames")
		im.Progress = &FrameProgress{FrameIndex: idx, TotalFrames: total}
	}

	// A successfully saved LIGHT frame clears the sticky plate-solve alert.
	if im.FrameType == "LIGHT" {
		s.Safety.clearAlert("platesolve")
	}

	meta := imageStats(p)
	return &Delta{Kind: UpdateImage, Reason: "image-saved", Path: "currentSession.imaging.lastImage", Summary: events.Summarize(evt), Meta: meta}, meta
}

func (s *UnifiedState) applyFilterChange(evt *events.Normalized, stale bool) *Delta {
	if !stale {
		if f := events.PayloadString(evt.Payload, "Filter", "filter", "NewFilter", "newFilter"); f != "" {
			s.CurrentSession.Imaging.CurrentFilter = f
		}
	}
	// A no-op change (same filter) still refreshes the equipment row.
	s.upsertDevice(TypeFilterWheel, evt, stale, deviceStatus("idle"))
	return &Delta{Kind: UpdateEquipment, Reason: "filter-changed", Path: "equipment", Summary: events.Summarize(evt)}
}

func (s *UnifiedState) applyFlatLight(evt *events.Normalized, stale bool) *Delta {
	e := s.upsertDevice(TypeFlatPanel, evt, stale, deviceStatus("idle"))
	if on, ok := events.PayloadBool(evt.Payload, "On", "on", "IsOn", "isOn"); ok && !stale {
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		e.Details["lightOn"] = on
	}
	return &Delta{Kind: UpdateEquipment, Reason: "flat-light-toggled", Path: "equipment", Summary: events.Summarize(evt)}
}

// applySafetyChange overwrites the safety block. Safety is derived from the
// entire stream, not just the current session window.
func (s *UnifiedState) applySafetyChange(evt *events.Normalized) *Delta {
	if safe, ok := events.PayloadBool(evt.Payload, "IsSafe", "isSafe", "Safe", "safe"); ok {
		s.Safety.IsSafe = FromBool(safe)
	}
	at := evt.Time
	s.Safety.ChangedAt = &at
	s.Safety.Details = mergeDetails(s.Safety.Details, evt.Payload)
	return &Delta{Kind: UpdateSafety, Reason: "safety-changed", Path: "safety", Summary: events.Summarize(evt)}
}

// applyDeviceEvent handles generic "<DEVICE>-<ACTION>" events for known
// device types. Returns false when the kind is not a device event.
func (s *UnifiedState) applyDeviceEvent(evt *events.Normalized, stale bool) (*Delta, bool) {
	device, action, ok := events.SplitDeviceKind(evt.Kind)
	if !ok {
		return nil, false
	}
	typ, known := deviceTypeFor(device)
	if !known {
		return nil, false
	}

	var mode deviceMode
	var reason string
	switch action {
	case "CONNECTED":
		mode, reason = deviceConnected, "equipment-connected"
	case "DISCONNECTED":
		mode, reason = deviceDisconnected, "equipment-disconnected"
	default:
		mode, reason = deviceStatus(statusForAction(action)), "equipment-status"
	}

	s.upsertDevice(typ, evt, stale, mode)
	if stale {
		return &Delta{Kind: UpdateEvents, Reason: "stale-event", Path: "recentEvents", Summary: events.Summarize(evt)}, true
	}
	return &Delta{Kind: UpdateEquipment, Reason: reason, Path: "equipment." + string(typ), Summary: events.Summarize(evt)}, true
}

// deviceMode describes how an upsert changes connected/status.
type deviceMode struct {
	setConnected bool
	connected    bool
	status       string
}

var (
	deviceConnected    = deviceMode{setConnected: true, connected: true, status: "idle"}
	deviceDisconnected = deviceMode{setConnected: true, connected: false, status: "disconnected"}
)

func deviceStatus(status string) deviceMode {
	return deviceMode{status: status}
}

// upsertDevice inserts or updates equipment[(type,id)]. Payload fields merge
// into details, preserving keys not overwritten. Stale events merge details
// only — connected/status/lastChange keep their newer values.
func (s *UnifiedState) upsertDevice(typ EquipmentType, evt *events.Normalized, stale bool, mode deviceMode) *EquipmentEntry {
	p := evt.Payload
	id := events.PayloadString(p, "DeviceId", "deviceId", "Id", "id")
	if id == "" {
		id = string(typ)
	}

	e := s.FindEquipment(typ, id)
	if e == nil {
		s.Equipment = append(s.Equipment, EquipmentEntry{ID: id, Type: typ, Status: "disconnected"})
		e = &s.Equipment[len(s.Equipment)-1]
	}
	e.Details = mergeDetails(e.Details, p)
	if stale {
		return e
	}

	if name := events.PayloadString(p, "DeviceName", "deviceName", "Name", "name"); name != "" {
		e.Name = name
	}
	if mode.setConnected {
		e.Connected = mode.connected
	}
	if mode.status != "" {
		// Connect events only lift a disconnected device back to idle;
		// they never clobber a live status like "exposing".
		if mode == deviceConnected {
			if e.Status == "" || e.Status == "disconnected" {
				e.Status = mode.status
			}
		} else {
			e.Status = mode.status
		}
	}
	e.LastChange = evt.Time
	return e
}

// insertRecent places the event in the ring keeping time-descending order.
// Equal timestamps keep arrival order (latest arrival first).
func (s *UnifiedState) insertRecent(evt *events.Normalized, meta map[string]any) {
	entry := RecentEvent{
		Key:     evt.Key,
		Time:    evt.Time,
		Type:    evt.Kind,
		Summary: events.Summarize(evt),
		Meta:    meta,
	}
	pos := len(s.RecentEvents)
	for i := range s.RecentEvents {
		if !s.RecentEvents[i].Time.After(entry.Time) {
			pos = i
			break
		}
	}
	s.RecentEvents = append(s.RecentEvents, RecentEvent{})
	copy(s.RecentEvents[pos+1:], s.RecentEvents[pos:])
	s.RecentEvents[pos] = entry
	if len(s.RecentEvents) > RecentEventsCap {
		s.RecentEvents = s.RecentEvents[:RecentEventsCap]
	}
}

// classify picks the activity with the highest-priority evidence.
func classify(s *UnifiedState) Activity {
	cs := &s.CurrentSession
	if cs.AutofocusRunning {
		return ActivityAutofocus
	}
	if cs.Guiding.IsGuiding {
		return ActivityGuiding
	}
	if m := s.firstOfType(TypeMount); m != nil && (m.Status == "slewing" || m.Status == "homing") {
		return ActivitySlewing
	}
	if r := s.firstOfType(TypeRotator); r != nil && r.Status == "moving" {
		return ActivityRotating
	}
	if cs.IsActive == TristateTrue {
		return ActivityImaging
	}
	return ActivityIdle
}

func (s *UnifiedState) sessionDelta(evt *events.Normalized, reason string) *Delta {
	return &Delta{Kind: UpdateSession, Reason: reason, Path: "currentSession", Summary: events.Summarize(evt)}
}

// touchSessionEvent records the newest session-scoped event time for the
// target-expiry safeguard.
func (s *UnifiedState) touchSessionEvent(t time.Time) {
	last := s.CurrentSession.LastSessionEventAt
	if last == nil || t.After(*last) {
		at := t
		s.CurrentSession.LastSessionEventAt = &at
	}
}

func (sf *SafetyState) raiseAlert(kind, message string, at time.Time) {
	for i := range sf.Alerts {
		if sf.Alerts[i].Kind == kind {
			sf.Alerts[i].Message = message
			sf.Alerts[i].RaisedAt = at
			return
		}
	}
	sf.Alerts = append(sf.Alerts, Alert{Kind: kind, Message: message, RaisedAt: at})
}

func (sf *SafetyState) clearAlert(kind string) {
	kept := sf.Alerts[:0]
	for _, a := range sf.Alerts {
		if a.Kind != kind {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		sf.Alerts = nil
		return
	}
	sf.Alerts = kept
}

func statusForAction(action string) string {
	switch action {
	case "EXPOSING":
		return "exposing"
	case "TRACKING":
		return "tracking"
	case "SLEWING":
		return "slewing"
	case "PARKED":
		return "parked"
	case "MOVING":
		return "moving"
	case "MOVED", "HOMED", "CHANGED", "STOPPED":
		return "idle"
	case "CHANGING":
		return "changing"
	default:
		return strings.ToLower(action)
	}
}

func deviceTypeFor(device string) (EquipmentType, bool) {
	switch device {
	case "MOUNT":
		return TypeMount, true
	case "CAMERA":
		return TypeCamera, true
	case "FILTERWHEEL", "FILTER-WHEEL":
		return TypeFilterWheel, true
	case "FOCUSER":
		return TypeFocuser, true
	case "GUIDER":
		return TypeGuider, true
	case "ROTATOR":
		return TypeRotator, true
	case "SWITCH":
		return TypeSwitch, true
	case "FLATPANEL", "FLAT-PANEL":
		return TypeFlatPanel, true
	case "WEATHER":
		return TypeWeather, true
	case "DOME":
		return TypeDome, true
	case "SAFETYMONITOR", "SAFETY-MONITOR":
		return TypeSafetyMonitor, true
	default:
		return "", false
	}
}

func mergeDetails(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// imageStats extracts the statistics an IMAGE-SAVE may carry for the ring
// entry's metadata.
func imageStats(p map[string]any) map[string]any {
	stats := map[string]any{}
	if v, ok := events.PayloadFloat(p, "HFR", "hfr"); ok {
		stats["hfr"] = v
	}
	if v, ok := events.PayloadInt(p, "Stars", "stars", "StarCount", "starCount"); ok {
		stats["stars"] = v
	}
	if v, ok := events.PayloadFloat(p, "Temperature", "temperature"); ok {
		stats["temperature"] = v
	}
	if v, ok := events.PayloadFloat(p, "ExposureTime", "exposureTime", "Exposure", "exposure"); ok {
		stats["exposure"] = v
	}
	if v := events.PayloadString(p, "Filter", "filter"); v != "" {
		stats["filter"] = v
	}
	if v := strings.ToUpper(events.PayloadString(p, "FrameType", "frameType", "ImageType", "imageType")); v != "" {
		stats["frameType"] = v
	}
	if len(stats) == 0 {
		return nil
	}
	return stats
}
