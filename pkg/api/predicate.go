package api

import "time"

// PredicateKind selects the variant of a Predicate node.
type PredicateKind string

const (
	PredAnd         PredicateKind = "and"
	PredOr          PredicateKind = "or"
	PredNot         PredicateKind = "not"
	PredCompare     PredicateKind = "compare"
	PredExists      PredicateKind = "exists"
	PredIn          PredicateKind = "in"
	PredContains    PredicateKind = "contains"
	PredBetween     PredicateKind = "between"
	PredEventWithin PredicateKind = "event_within"
	PredSince       PredicateKind = "since"
)

// Operator is a comparison operator used by compare and since nodes.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// LastEventTrait is the trait that records the most recent event of a type.
// EventWithin predicates read it.
func LastEventTrait(eventType string) string { return "last_event_at." + eventType }

// EventCountTrait is the trait that counts events of a type.
func EventCountTrait(eventType string) string { return "event_count." + eventType }

// Predicate is a node of a segment or branch expression tree.
//
// Which fields are used depends on Kind:
//
//	and, or      Children (one or more)
//	not          Children (exactly one)
//	compare      Trait, Op, Value
//	exists       Trait
//	in           Trait, Values
//	contains     Trait, Value (string)
//	between      Trait, Values (low, high; inclusive)
//	event_within Event, Window
//	since        Trait (a time trait), Op, Window
type Predicate struct {
	Kind     PredicateKind `json:"kind" yaml:"kind"`
	Trait    string        `json:"trait,omitempty" yaml:"trait,omitempty"`
	Op       Operator      `json:"op,omitempty" yaml:"op,omitempty"`
	Value    *Value        `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []Value       `json:"values,omitempty" yaml:"values,omitempty"`
	Event    string        `json:"event,omitempty" yaml:"event,omitempty"`
	Window   time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
	Children []Predicate   `json:"children,omitempty" yaml:"children,omitempty"`
}

func And(children ...Predicate) Predicate { return Predicate{Kind: PredAnd, Children: children} }
func Or(children ...Predicate) Predicate  { return Predicate{Kind: PredOr, Children: children} }
func Not(child Predicate) Predicate       { return Predicate{Kind: PredNot, Children: []Predicate{child}} }

// Compare builds "trait op value".
func Compare(trait string, op Operator, v Value) Predicate {
	return Predicate{Kind: PredCompare, Trait: trait, Op: op, Value: &v}
}

// Exists matches when the trait is present in the snapshot.
func Exists(trait string) Predicate { return Predicate{Kind: PredExists, Trait: trait} }

// In matches when the trait equals one of values.
func In(trait string, values ...Value) Predicate {
	return Predicate{Kind: PredIn, Trait: trait, Values: values}
}

// Contains matches when the string trait contains sub.
func Contains(trait, sub string) Predicate {
	v := String(sub)
	return Predicate{Kind: PredContains, Trait: trait, Value: &v}
}

// Between matches low <= trait <= high.
func Between(trait string, low, high Value) Predicate {
	return Predicate{Kind: PredBetween, Trait: trait, Values: []Value{low, high}}
}

// EventWithin matches when an event of the given type happened within
// window before the evaluation time.
func EventWithin(eventType string, window time.Duration) Predicate {
	return Predicate{Kind: PredEventWithin, Event: eventType, Window: window}
}

// Since compares the age of a time trait with d, e.g.
// Since("last_purchase_at", OpGte, 30*24*time.Hour).
func Since(trait string, op Operator, d time.Duration) Predicate {
	return Predicate{Kind: PredSince, Trait: trait, Op: op, Window: d}
}
