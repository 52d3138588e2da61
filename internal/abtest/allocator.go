// Package abtest assigns A/B variants deterministically.
//
// The allocator keeps no state: a variant is a function of the subject, the
// step and the weights, so replays and restarts always pick the same label
// without coordination.
package abtest

import (
	"errors"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/petrijr/drip/pkg/api"
)

// Buckets is the resolution of the allocator. Weights are mapped onto this
// many hash buckets.
const Buckets = 10000

var (
	ErrNoVariants    = errors.New("abtest: no variants")
	ErrInvalidWeight = errors.New("abtest: weights must be positive")
)

// Allocator maps subjects to weighted variants. The zero value is ready to
// use; Salt lets an experiment be reshuffled without renaming steps.
type Allocator struct {
	Salt string
}

// Subject builds the stable subject key of a customer in a campaign.
func Subject(campaignID, customerID string) string {
	return campaignID + ":" + customerID
}

// Assign returns the label of the variant that subject gets at stepID.
func (a Allocator) Assign(subject, stepID string, variants []api.Variant) (string, error) {
	if len(variants) == 0 {
		return "", ErrNoVariants
	}
	total := 0
	for _, v := range variants {
		if v.Weight <= 0 {
			return "", ErrInvalidWeight
		}
		total += v.Weight
	}
	if len(variants) == 1 {
		return variants[0].Label, nil
	}

	point := float64(a.bucket(subject, stepID)) / Buckets * float64(total)
	acc := 0
	for _, v := range variants {
		acc += v.Weight
		if point < float64(acc) {
			return v.Label, nil
		}
	}
	return variants[len(variants)-1].Label, nil
}

func (a Allocator) bucket(subject, stepID string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(a.Salt)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(subject)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(stepID)
	return d.Sum64() % Buckets
}

// Find returns the variant with the given label.
func Find(variants []api.Variant, label string) (api.Variant, bool) {
	for _, v := range variants {
		if v.Label == label {
			return v, true
		}
	}
	return api.Variant{}, false
}

// Split counts assignments for n synthetic subjects. It is a helper for
// simulations and tests.
func (a Allocator) Split(prefix, stepID string, n int, variants []api.Variant) (map[string]int, error) {
	out := make(map[string]int, len(variants))
	for i := 0; i < n; i++ {
		label, err := a.Assign(prefix+strconv.Itoa(i), stepID, variants)
		if err != nil {
			return nil, err
		}
		out[label]++
	}
	return out, nil
}
