package drip

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/petrijr/drip/pkg/api"
)

// Event types understood by trait computation.
const (
	EventPageView    = api.EventPageView
	EventPurchase    = api.EventPurchase
	EventAddToCart   = api.EventAddToCart
	EventEmailOpen   = api.EventEmailOpen
	EventEmailClick  = api.EventEmailClick
	EventUnsubscribe = api.EventUnsubscribe
	EventSignup      = api.EventSignup
)

// TraitRef names a trait for building predicates:
//
//	drip.Trait("total_purchases").Gte(3)
//	drip.EventCount(drip.EventEmailClick).Gt(0)
type TraitRef string

// Trait refers to a trait by name.
func Trait(name string) TraitRef { return TraitRef(name) }

// EventCount refers to the number of events of the given type.
func EventCount(eventType string) TraitRef { return TraitRef(api.EventCountTrait(eventType)) }

// LastEvent refers to the time of the latest event of the given type.
func LastEvent(eventType string) TraitRef { return TraitRef(api.LastEventTrait(eventType)) }

// ValueOf converts a Go value to a trait Value. Strings, bools and times keep
// their kind; any other value must be numeric.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case api.Value:
		return x
	case string:
		return api.String(x)
	case bool:
		return api.Bool(x)
	case time.Time:
		return api.Time(x)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		panic(fmt.Sprintf("drip: %T is not a trait value", v))
	}
	return api.Number(f)
}

func (t TraitRef) cmp(op api.Operator, v any) Predicate {
	return api.Compare(string(t), op, ValueOf(v))
}

func (t TraitRef) Eq(v any) Predicate  { return t.cmp(api.OpEq, v) }
func (t TraitRef) Ne(v any) Predicate  { return t.cmp(api.OpNe, v) }
func (t TraitRef) Gt(v any) Predicate  { return t.cmp(api.OpGt, v) }
func (t TraitRef) Gte(v any) Predicate { return t.cmp(api.OpGte, v) }
func (t TraitRef) Lt(v any) Predicate  { return t.cmp(api.OpLt, v) }
func (t TraitRef) Lte(v any) Predicate { return t.cmp(api.OpLte, v) }

// Exists holds when the customer has the trait at all.
func (t TraitRef) Exists() Predicate { return api.Exists(string(t)) }

// In holds when the trait equals one of vs.
func (t TraitRef) In(vs ...any) Predicate {
	values := make([]api.Value, len(vs))
	for i, v := range vs {
		values[i] = ValueOf(v)
	}
	return api.In(string(t), values...)
}

// Contains holds when the string trait contains sub.
func (t TraitRef) Contains(sub string) Predicate { return api.Contains(string(t), sub) }

// Between holds for low <= trait <= high.
func (t TraitRef) Between(low, high any) Predicate {
	return api.Between(string(t), ValueOf(low), ValueOf(high))
}

// OlderThan holds when the time trait lies at least d before evaluation time.
func (t TraitRef) OlderThan(d time.Duration) Predicate { return api.Since(string(t), api.OpGte, d) }

// NewerThan holds when the time trait lies less than d before evaluation time.
func (t TraitRef) NewerThan(d time.Duration) Predicate { return api.Since(string(t), api.OpLt, d) }

// Did holds when an event of the given type happened within window.
func Did(eventType string, within time.Duration) Predicate {
	return api.EventWithin(eventType, within)
}

// All, Any and Not combine predicates.
func All(ps ...Predicate) Predicate { return api.And(ps...) }
func Any(ps ...Predicate) Predicate { return api.Or(ps...) }
func Not(p Predicate) Predicate     { return api.Not(p) }
