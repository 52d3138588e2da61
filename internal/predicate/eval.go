// Package predicate interprets api.Predicate trees against trait snapshots.
package predicate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/drip/pkg/api"
)

var (
	// ErrInvalid marks a structurally malformed predicate.
	ErrInvalid = errors.New("invalid predicate")
	// ErrTypeMismatch marks a trait whose type does not fit the predicate.
	ErrTypeMismatch = errors.New("trait type mismatch")
)

// Eval evaluates p against snap at the logical time asOf.
//
// A missing trait makes the leaf that references it false. Any error (a
// malformed node or a trait of the wrong type) makes the whole result
// false; the error is returned for logging only.
func Eval(p api.Predicate, snap api.Snapshot, asOf time.Time) (bool, error) {
	ok, err := eval(p, snap, asOf)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func eval(p api.Predicate, snap api.Snapshot, asOf time.Time) (bool, error) {
	switch p.Kind {
	case api.PredAnd:
		if len(p.Children) == 0 {
			return false, fmt.Errorf("%w: and without children", ErrInvalid)
		}
		for _, c := range p.Children {
			ok, err := eval(c, snap, asOf)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case api.PredOr:
		if len(p.Children) == 0 {
			return false, fmt.Errorf("%w: or without children", ErrInvalid)
		}
		for _, c := range p.Children {
			ok, err := eval(c, snap, asOf)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case api.PredNot:
		if len(p.Children) != 1 {
			return false, fmt.Errorf("%w: not takes exactly one child", ErrInvalid)
		}
		ok, err := eval(p.Children[0], snap, asOf)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case api.PredExists:
		_, ok := snap.Get(p.Trait)
		return ok, nil

	case api.PredCompare:
		if p.Value == nil {
			return false, fmt.Errorf("%w: compare on %q without value", ErrInvalid, p.Trait)
		}
		v, ok := snap.Get(p.Trait)
		if !ok {
			return false, nil
		}
		return compare(p.Trait, v, p.Op, *p.Value)

	case api.PredIn:
		v, ok := snap.Get(p.Trait)
		if !ok {
			return false, nil
		}
		for _, w := range p.Values {
			if v.Kind != w.Kind {
				return false, mismatch(p.Trait, v.Kind, w.Kind)
			}
			if v.Equal(w) {
				return true, nil
			}
		}
		return false, nil

	case api.PredContains:
		if p.Value == nil || p.Value.Kind != api.KindString {
			return false, fmt.Errorf("%w: contains on %q needs a string value", ErrInvalid, p.Trait)
		}
		v, ok := snap.Get(p.Trait)
		if !ok {
			return false, nil
		}
		if v.Kind != api.KindString {
			return false, mismatch(p.Trait, v.Kind, api.KindString)
		}
		return strings.Contains(v.Str, p.Value.Str), nil

	case api.PredBetween:
		if len(p.Values) != 2 {
			return false, fmt.Errorf("%w: between on %q needs two values", ErrInvalid, p.Trait)
		}
		v, ok := snap.Get(p.Trait)
		if !ok {
			return false, nil
		}
		lo, err := order(p.Trait, v, p.Values[0])
		if err != nil {
			return false, err
		}
		hi, err := order(p.Trait, v, p.Values[1])
		if err != nil {
			return false, err
		}
		return lo >= 0 && hi <= 0, nil

	case api.PredEventWithin:
		name := api.LastEventTrait(p.Event)
		v, ok := snap.Get(name)
		if !ok {
			return false, nil
		}
		if v.Kind != api.KindTime {
			return false, mismatch(name, v.Kind, api.KindTime)
		}
		return asOf.Sub(v.Time) <= p.Window, nil

	case api.PredSince:
		v, ok := snap.Get(p.Trait)
		if !ok {
			return false, nil
		}
		if v.Kind != api.KindTime {
			return false, mismatch(p.Trait, v.Kind, api.KindTime)
		}
		age := asOf.Sub(v.Time)
		return compareInts(p.Trait, int64(age), p.Op, int64(p.Window))
	}

	return false, fmt.Errorf("%w: unknown kind %q", ErrInvalid, p.Kind)
}

func mismatch(trait string, got, want api.ValueKind) error {
	return fmt.Errorf("%w: %q is %s, predicate expects %s", ErrTypeMismatch, trait, got, want)
}

// order returns -1, 0 or 1 comparing v with w. Booleans are not ordered.
func order(trait string, v, w api.Value) (int, error) {
	if v.Kind != w.Kind {
		return 0, mismatch(trait, v.Kind, w.Kind)
	}
	switch v.Kind {
	case api.KindNumber:
		switch {
		case v.Num < w.Num:
			return -1, nil
		case v.Num > w.Num:
			return 1, nil
		}
		return 0, nil
	case api.KindString:
		return strings.Compare(v.Str, w.Str), nil
	case api.KindTime:
		return v.Time.Compare(w.Time), nil
	}
	return 0, fmt.Errorf("%w: %q of kind %s is not ordered", ErrTypeMismatch, trait, v.Kind)
}

func compare(trait string, v api.Value, op api.Operator, w api.Value) (bool, error) {
	if v.Kind != w.Kind {
		return false, mismatch(trait, v.Kind, w.Kind)
	}
	switch op {
	case api.OpEq:
		return v.Equal(w), nil
	case api.OpNe:
		return !v.Equal(w), nil
	}
	c, err := order(trait, v, w)
	if err != nil {
		return false, err
	}
	return applyOrder(trait, c, op)
}

func compareInts(trait string, a int64, op api.Operator, b int64) (bool, error) {
	c := 0
	switch {
	case a < b:
		c = -1
	case a > b:
		c = 1
	}
	return applyOrder(trait, c, op)
}

func applyOrder(trait string, c int, op api.Operator) (bool, error) {
	switch op {
	case api.OpEq:
		return c == 0, nil
	case api.OpNe:
		return c != 0, nil
	case api.OpGt:
		return c > 0, nil
	case api.OpGte:
		return c >= 0, nil
	case api.OpLt:
		return c < 0, nil
	case api.OpLte:
		return c <= 0, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q on %q", ErrInvalid, op, trait)
}
