package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Normalizer parses raw upstream frames. Naive timestamps (no UTC offset)
// are interpreted in the imaging-control host's timezone; zoned timestamps
// are honored as-is. All output times are UTC.
type Normalizer struct {
	loc *time.Location

	// malformed counts frames dropped for missing kind/time. Exposed for
	// diagnostics; never surfaced to clients.
	malformed atomic.Int64
}

// NewNormalizer creates a Normalizer. loc may be nil, meaning UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// MalformedCount returns the number of frames dropped so far.
func (n *Normalizer) MalformedCount() int64 {
	return n.malformed.Load()
}

// Normalize parses one raw JSON frame. The upstream emits three shapes:
//
//	{"Event":"IMAGE-SAVE","Time":"...","Data":{...}}
//	{"Type":"IMAGE-SAVE","Time":"...",...}
//	{"kind":"IMAGE-SAVE","time":"...",...}
//
// Missing kind or unparseable time yields a MalformedEventError and the
// frame is counted as dropped.
func (n *Normalizer) Normalize(raw []byte) (*Normalized, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		n.malformed.Add(1)
		return nil, &MalformedEventError{Reason: "not a JSON object: " + err.Error()}
	}

	kind, kindKey := stringField(fields, "Event", "event", "Type", "type", "kind", "Kind")
	if kind == "" {
		n.malformed.Add(1)
		return nil, &MalformedEventError{Reason: "missing event kind"}
	}
	kind = strings.ToUpper(strings.TrimSpace(kind))

	rawTime, timeKey := stringField(fields, "Time", "time", "Timestamp", "timestamp")
	if rawTime == "" {
		n.malformed.Add(1)
		return nil, &MalformedEventError{Reason: "missing time"}
	}
	ts, err := n.parseTime(rawTime)
	if err != nil {
		n.malformed.Add(1)
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unparseable time %q: %v", rawTime, err)}
	}

	payload := extractPayload(fields, kindKey, timeKey)

	evt := &Normalized{
		Time:     ts,
		Category: Categorize(kind),
		Kind:     kind,
		Payload:  payload,
		Raw:      json.RawMessage(raw),
	}
	evt.Key = idempotencyKey(kind, ts, payload)
	return evt, nil
}

// parseTime honors an explicit offset, otherwise interprets the value in
// the configured location. The result is always UTC.
func (n *Normalizer) parseTime(s string) (time.Time, error) {
	zoned := []string{time.RFC3339Nano, time.RFC3339}
	for _, layout := range zoned {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	naive := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range naive {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no known layout matched")
}

// Categorize maps a kind to its category by prefix/suffix, checked in the
// order the rules are defined: guiding, image, stack, equipment, session,
// safety, other.
func Categorize(kind string) Category {
	switch {
	case strings.HasPrefix(kind, "GUIDER-"):
		return CategoryGuiding
	case strings.HasPrefix(kind, "IMAGE-"):
		return CategoryImage
	case strings.HasPrefix(kind, "STACK-"):
		return CategoryStack
	case hasAnySuffix(kind, "-CONNECTED", "-DISCONNECTED", "-CHANGED", "-MOVED", "-HOMED") &&
		kind != "SAFETY-CHANGED":
		return CategoryEquipment
	case strings.HasPrefix(kind, "TS-"),
		strings.HasPrefix(kind, "SEQUENCE-"),
		strings.HasPrefix(kind, "AUTOFOCUS-"):
		return CategorySession
	case strings.HasPrefix(kind, "SAFETY-"),
		kind == "FLAT-LIGHT-TOGGLED",
		kind == "ERROR-PLATESOLVE":
		return CategorySafety
	default:
		return CategoryOther
	}
}

// idempotencyKey is monotonic-prefix + payload hash: replayed history and a
// live duplicate of the same event produce the same key.
func idempotencyKey(kind string, ts time.Time, payload map[string]any) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{'|'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	// json.Marshal sorts map keys, giving a canonical fingerprint.
	if fp, err := json.Marshal(payload); err == nil {
		h.Write(fp)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%013d-%s", ts.UnixMilli(), sum[:16])
}

// stringField returns the first present string-valued field among keys,
// along with the key that matched.
func stringField(fields map[string]json.RawMessage, keys ...string) (string, string) {
	for _, k := range keys {
		rawVal, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(rawVal, &s); err == nil && s != "" {
			return s, k
		}
	}
	return "", ""
}

// extractPayload prefers an explicit Data object; otherwise every field
// other than the kind/time carriers becomes payload.
func extractPayload(fields map[string]json.RawMessage, kindKey, timeKey string) map[string]any {
	for _, k := range []string{"Data", "data"} {
		if rawVal, ok := fields[k]; ok {
			var m map[string]any
			if err := json.Unmarshal(rawVal, &m); err == nil {
				return m
			}
		}
	}
	payload := make(map[string]any)
	for k, v := range fields {
		if k == kindKey || k == timeKey {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			payload[k] = val
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
