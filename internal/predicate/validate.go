package predicate

import (
	"errors"
	"fmt"

	"github.com/petrijr/drip/pkg/api"
)

var validOps = map[api.Operator]bool{
	api.OpEq: true, api.OpNe: true,
	api.OpGt: true, api.OpGte: true,
	api.OpLt: true, api.OpLte: true,
}

// Validate checks the structure of p without evaluating it. All problems
// are reported, joined, each wrapping ErrInvalid.
func Validate(p api.Predicate) error {
	var errs []error
	validate(p, "$", &errs)
	return errors.Join(errs...)
}

func validate(p api.Predicate, path string, errs *[]error) {
	fail := func(format string, args ...any) {
		*errs = append(*errs, fmt.Errorf("%w: %s: %s", ErrInvalid, path, fmt.Sprintf(format, args...)))
	}

	switch p.Kind {
	case api.PredAnd, api.PredOr:
		if len(p.Children) == 0 {
			fail("%s needs at least one child", p.Kind)
		}
	case api.PredNot:
		if len(p.Children) != 1 {
			fail("not takes exactly one child")
		}
	case api.PredExists:
		if p.Trait == "" {
			fail("exists needs a trait")
		}
	case api.PredCompare:
		if p.Trait == "" {
			fail("compare needs a trait")
		}
		if !validOps[p.Op] {
			fail("unknown operator %q", p.Op)
		}
		if p.Value == nil || p.Value.IsZero() {
			fail("compare needs a value")
		} else if p.Value.Kind == api.KindBool && p.Op != api.OpEq && p.Op != api.OpNe {
			fail("bool values only support eq and ne")
		}
	case api.PredIn:
		if p.Trait == "" {
			fail("in needs a trait")
		}
		if len(p.Values) == 0 {
			fail("in needs at least one value")
		}
		for i, v := range p.Values {
			if v.Kind != p.Values[0].Kind {
				fail("value %d is %s, expected %s", i, v.Kind, p.Values[0].Kind)
			}
		}
	case api.PredContains:
		if p.Trait == "" {
			fail("contains needs a trait")
		}
		if p.Value == nil || p.Value.Kind != api.KindString {
			fail("contains needs a string value")
		}
	case api.PredBetween:
		if p.Trait == "" {
			fail("between needs a trait")
		}
		if len(p.Values) != 2 {
			fail("between needs exactly two values")
		} else {
			lo, hi := p.Values[0], p.Values[1]
			if lo.Kind != hi.Kind {
				fail("between bounds differ in kind")
			} else if lo.Kind != api.KindNumber && lo.Kind != api.KindTime {
				fail("between needs number or time bounds")
			}
		}
	case api.PredEventWithin:
		if p.Event == "" {
			fail("event_within needs an event type")
		}
		if p.Window <= 0 {
			fail("event_within needs a positive window")
		}
	case api.PredSince:
		if p.Trait == "" {
			fail("since needs a trait")
		}
		if !validOps[p.Op] {
			fail("unknown operator %q", p.Op)
		}
		if p.Window < 0 {
			fail("since needs a non-negative duration")
		}
	default:
		fail("unknown kind %q", p.Kind)
	}

	for i, c := range p.Children {
		validate(c, fmt.Sprintf("%s.%s[%d]", path, p.Kind, i), errs)
	}
}
