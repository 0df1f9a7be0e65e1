// Package statebus mirrors a small set of named, timestamped values across
// cooperating devices (phone and wearable), last-write-wins by timestamp.
//
// Values are typed: each key carries a tagged union rather than an untyped
// string, so a subscriber reading the pump battery gets an int and a
// subscriber reading connectivity gets a bool. Two transports implement the
// same Bus contract — an in-process bus and a WebSocket peer bus — and
// consumers depend only on the interface.
//
// Timestamps come from the writing device's clock. Cross-device clock skew
// is tolerated, not resolved: a peer with a fast clock wins conflicts until
// the skew passes. Known limitation.
package statebus

import (
	"fmt"
	"strconv"
	"time"
)

// Well-known state keys.
const (
	// KeyConnected reports whether the pump link is up.
	KeyConnected = "connected"

	// KeyPumpBattery is the pump battery percentage.
	KeyPumpBattery = "pump-battery"

	// KeyInsulinOnBoard is the pump-reported IOB in units.
	KeyInsulinOnBoard = "pump-iob"

	// KeyReservoir is the remaining reservoir volume in units.
	KeyReservoir = "pump-reservoir"

	// KeyLastSync is the RFC 3339 time of the last successful sync pass.
	KeyLastSync = "last-sync"
)

// Kind tags which member of a Value is set.
type Kind string

const (
	KindBool  Kind = "bool"
	KindInt   Kind = "int"
	KindFloat Kind = "float"
	KindText  Kind = "text"
)

// Value is the typed payload of one state key.
type Value struct {
	Kind  Kind    `json:"kind"`
	Bool  bool    `json:"bool,omitempty"`
	Int   int     `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Text  string  `json:"text,omitempty"`
}

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an integer.
func IntValue(i int) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// TextValue wraps a string.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// String renders the tagged member.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.Itoa(v.Int)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindText:
		return v.Text
	default:
		return fmt.Sprintf("invalid(%s)", string(v.Kind))
	}
}

// Valid reports whether the kind tag is one of the known kinds.
func (v Value) Valid() bool {
	switch v.Kind {
	case KindBool, KindInt, KindFloat, KindText:
		return true
	}
	return false
}

// Entry is a value plus the timestamp it was written with.
type Entry struct {
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Update is one observed change on a key. It doubles as the peer
// transport's wire message.
type Update struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}
