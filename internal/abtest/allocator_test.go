package abtest

import (
	"errors"
	"math"
	"testing"

	"github.com/petrijr/drip/pkg/api"
)

var fiftyFifty = []api.Variant{{Label: "A", Weight: 50}, {Label: "B", Weight: 50}}

func TestAssign_Deterministic(t *testing.T) {
	var a Allocator
	first, err := a.Assign(Subject("c-1", "u-42"), "email", fiftyFifty)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, _ := a.Assign(Subject("c-1", "u-42"), "email", fiftyFifty)
		if got != first {
			t.Fatalf("assignment changed on call %d: %s != %s", i, got, first)
		}
	}
}

// 10,000 customers through a 50/50 step land within 2% of target, and two
// independent runs agree exactly.
func TestAssign_SplitWithinTolerance(t *testing.T) {
	const n = 10000

	run1, err := Allocator{}.Split("customer-", "email", n, fiftyFifty)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	run2, err := Allocator{}.Split("customer-", "email", n, fiftyFifty)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	for _, label := range []string{"A", "B"} {
		share := float64(run1[label]) / n
		if math.Abs(share-0.5) > 0.02 {
			t.Fatalf("variant %s share %.4f outside 2%% tolerance", label, share)
		}
		if run1[label] != run2[label] {
			t.Fatalf("variant %s not reproducible: %d vs %d", label, run1[label], run2[label])
		}
	}
}

func TestAssign_RespectsUnevenWeights(t *testing.T) {
	const n = 20000
	variants := []api.Variant{{Label: "control", Weight: 80}, {Label: "test", Weight: 20}}
	split, err := Allocator{}.Split("u", "push", n, variants)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	share := float64(split["test"]) / n
	if math.Abs(share-0.2) > 0.02 {
		t.Fatalf("test share %.4f outside tolerance", share)
	}
}

func TestAssign_StepsAreIndependent(t *testing.T) {
	// The same population split at two steps should not be the same split.
	var a Allocator
	same := 0
	for i := 0; i < 1000; i++ {
		s := Subject("c", string(rune('a'+i%26))+string(rune('a'+i/26)))
		x, _ := a.Assign(s, "step-1", fiftyFifty)
		y, _ := a.Assign(s, "step-2", fiftyFifty)
		if x == y {
			same++
		}
	}
	if same == 1000 {
		t.Fatalf("step id does not influence assignment")
	}
}

func TestAssign_Errors(t *testing.T) {
	if _, err := (Allocator{}).Assign("s", "x", nil); !errors.Is(err, ErrNoVariants) {
		t.Fatalf("expected ErrNoVariants, got %v", err)
	}
	if _, err := (Allocator{}).Assign("s", "x", []api.Variant{{Label: "A", Weight: 0}}); !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
}
