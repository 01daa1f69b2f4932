package events

import (
	"fmt"
	"strings"
)

// Summarize renders the one-line, deterministic description stored in the
// recent-events ring. Unknown kinds fall back to the kind itself.
func Summarize(evt *Normalized) string {
	p := evt.Payload
	switch evt.Kind {
	case "SEQUENCE-STARTING":
		if name := PayloadString(p, "SequenceName", "sequenceName", "Name", "name"); name != "" {
			return "Sequence starting: " + name
		}
		return "Sequence starting"
	case "SEQUENCE-STOPPED":
		return "Sequence stopped"
	case "SEQUENCE-COMPLETED":
		return "Sequence completed"
	case "SEQUENCE-FINISHED":
		return "Sequence finished"
	case "TS-NEWTARGETSTART", "TS-TARGETSTART":
		if name := PayloadString(p, "TargetName", "targetName", "Name", "name"); name != "" {
			return "Target started: " + name
		}
		return "Target started"
	case "IMAGE-SAVE":
		if path := PayloadString(p, "FilePath", "filePath", "Path", "path"); path != "" {
			return "Image saved: " + path
		}
		return "Image saved"
	case "FILTERWHEEL-CHANGED":
		if f := PayloadString(p, "Filter", "filter", "NewFilter", "newFilter"); f != "" {
			return "Filter changed to " + f
		}
		return "Filter changed"
	case "GUIDER-START":
		return "Guiding started"
	case "GUIDER-STOP":
		return "Guiding stopped"
	case "GUIDER-RMS":
		total, okT := PayloadFloat(p, "RmsTotal", "rmsTotal", "Total", "total")
		ra, okR := PayloadFloat(p, "RmsRa", "rmsRa", "Ra", "ra")
		dec, okD := PayloadFloat(p, "RmsDec", "rmsDec", "Dec", "dec")
		if okT && okR && okD {
			return fmt.Sprintf("Guiding RMS %.2f (RA %.2f / Dec %.2f)", total, ra, dec)
		}
		if okT {
			return fmt.Sprintf("Guiding RMS %.2f", total)
		}
		return "Guiding RMS update"
	case "AUTOFOCUS-START":
		return "Autofocus started"
	case "AUTOFOCUS-FINISHED":
		return "Autofocus finished"
	case "MOUNT-HOMED":
		return "Mount homed"
	case "SAFETY-CHANGED":
		if safe, ok := PayloadBool(p, "IsSafe", "isSafe", "Safe", "safe"); ok {
			if safe {
				return "Safety monitor: safe"
			}
			return "Safety monitor: unsafe"
		}
		return "Safety changed"
	case "FLAT-LIGHT-TOGGLED":
		if on, ok := PayloadBool(p, "On", "on", "IsOn", "isOn"); ok {
			if on {
				return "Flat panel light on"
			}
			return "Flat panel light off"
		}
		return "Flat panel light toggled"
	case "ERROR-PLATESOLVE":
		return "Plate solve failed"
	case "STACK-UPDATED":
		return "Stack updated"
	}

	if device, action, ok := SplitDeviceKind(evt.Kind); ok {
		return titleWord(device) + " " + strings.ToLower(action)
	}
	return evt.Kind
}

// SplitDeviceKind splits "<DEVICE>-<ACTION>" into its parts. The action is
// the segment after the final dash so multi-dash devices split correctly.
func SplitDeviceKind(kind string) (device, action string, ok bool) {
	i := strings.LastIndex(kind, "-")
	if i <= 0 || i == len(kind)-1 {
		return "", "", false
	}
	return kind[:i], kind[i+1:], true
}

// PayloadString returns the first string payload value among keys.
func PayloadString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// PayloadFloat returns the first numeric payload value among keys.
// JSON numbers arrive as float64; integers stored as float64 also match.
func PayloadFloat(p map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			}
		}
	}
	return 0, false
}

// PayloadInt returns the first integral payload value among keys.
func PayloadInt(p map[string]any, keys ...string) (int, bool) {
	if f, ok := PayloadFloat(p, keys...); ok {
		return int(f), true
	}
	return 0, false
}

// PayloadBool returns the first boolean payload value among keys.
func PayloadBool(p map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

func titleWord(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
