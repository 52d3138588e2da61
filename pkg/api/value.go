package api

import (
	"fmt"
	"strconv"
	"time"
)

// ValueKind tags the scalar held by a Value.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
)

// Value is a typed scalar. Exactly one of the payload fields is meaningful,
// selected by Kind.
type Value struct {
	Kind ValueKind `json:"kind" yaml:"kind"`
	Num  float64   `json:"num,omitempty" yaml:"num,omitempty"`
	Str  string    `json:"str,omitempty" yaml:"str,omitempty"`
	Bool bool      `json:"bool,omitempty" yaml:"bool,omitempty"`
	Time time.Time `json:"time,omitempty" yaml:"time,omitempty"`
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Time returns a timestamp Value. The time is normalized to UTC.
func Time(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// IsZero reports whether v carries no kind at all.
func (v Value) IsZero() bool { return v.Kind == "" }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTime:
		return v.Time.Format(time.RFC3339)
	}
	return fmt.Sprintf("<%s>", v.Kind)
}

// Trait is one named, versioned attribute of a customer.
type Trait struct {
	Name  string    `json:"name"`
	Value Value     `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

// Snapshot is a consistent view of all traits of one customer.
//
// AsOf is the newest AsOf among the traits and identifies the logical time
// the snapshot represents. A snapshot of an unknown customer has no traits
// and a zero AsOf.
type Snapshot struct {
	CustomerID string           `json:"customer_id"`
	Traits     map[string]Trait `json:"traits"`
	AsOf       time.Time        `json:"as_of"`
}

// Get returns the value of the named trait.
func (s Snapshot) Get(name string) (Value, bool) {
	t, ok := s.Traits[name]
	if !ok {
		return Value{}, false
	}
	return t.Value, true
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{CustomerID: s.CustomerID, AsOf: s.AsOf, Traits: make(map[string]Trait, len(s.Traits))}
	for k, v := range s.Traits {
		out.Traits[k] = v
	}
	return out
}
