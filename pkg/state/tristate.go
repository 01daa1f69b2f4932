package state

import "errors"

// Tristate is a boolean that can also be unknown. It marshals to JSON as
// true, false, or null so dashboard clients can distinguish "not guiding"
// from "we have no idea yet".
type Tristate int8

// Tristate values. The zero value is Unknown.
const (
	TristateUnknown Tristate = iota
	TristateTrue
	TristateFalse
)

// Bool returns the underlying boolean and whether it is known.
func (t Tristate) Bool() (value, known bool) {
	switch t {
	case TristateTrue:
		return true, true
	case TristateFalse:
		return false, true
	default:
		return false, false
	}
}

// FromBool converts a plain bool to a Tristate.
func FromBool(b bool) Tristate {
	if b {
		return TristateTrue
	}
	return TristateFalse
}

// MarshalJSON renders true/false/null.
func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case TristateTrue:
		return []byte("true"), nil
	case TristateFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true/false/null.
func (t *Tristate) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*t = TristateTrue
	case "false":
		*t = TristateFalse
	case "null":
		*t = TristateUnknown
	default:
		return errors.New("tristate: expected true, false or null")
	}
	return nil
}
