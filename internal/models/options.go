package models

import (
	"fmt"
	"strings"
	"time"
)

// OptionType is the right of an option contract.
type OptionType int

const (
	OptionCall OptionType = iota + 1
	OptionPut
)

// ParseOptionType accepts exchange (CE/PE), long (CALL/PUT) and short (c/p) tags.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL", "C":
		return OptionCall, nil
	case "PE", "PUT", "P":
		return OptionPut, nil
	default:
		return 0, fmt.Errorf("unknown option type %q", s)
	}
}

// Opposite returns the other option type.
func (t OptionType) Opposite() OptionType {
	switch t {
	case OptionCall:
		return OptionPut
	case OptionPut:
		return OptionCall
	default:
		return t
	}
}

func (t OptionType) String() string {
	switch t {
	case OptionCall:
		return "CALL"
	case OptionPut:
		return "PUT"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t OptionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *OptionType) UnmarshalText(b []byte) error {
	v, err := ParseOptionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// OptionContract describes a listed option. Immutable once observed.
type OptionContract struct {
	Symbol string
	Type   OptionType
	Expiry time.Time
	Strike float64
}

// OptionGreeksSnapshot is a contract with the delta computed for one tick.
type OptionGreeksSnapshot struct {
	Contract OptionContract
	Delta    float64
}

// Symbol is shorthand for Contract.Symbol.
func (s OptionGreeksSnapshot) Symbol() string {
	return s.Contract.Symbol
}

// SameDay reports whether two instants share a calendar date.
func SameDay(t1, t2 time.Time) bool {
	y1, m1, d1 := t1.Date()
	y2, m2, d2 := t2.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
