// Package definition validates workflow definition graphs and loads
// campaign files.
package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petrijr/drip/internal/predicate"
	"github.com/petrijr/drip/pkg/api"
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	DefinitionID string
	Problems     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("definition %q: %s", e.DefinitionID, strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, api.ErrInvalidDefinition) hold.
func (e *ValidationError) Is(target error) bool {
	return target == api.ErrInvalidDefinition
}

// Validate checks that def is a well-formed graph: the entry exists, every
// edge resolves, every step is reachable, every path ends at an exit and
// every cycle passes through a wait step.
func Validate(def api.WorkflowDefinition) error {
	v := &validator{def: def, steps: make(map[string]api.Step, len(def.Steps))}
	v.run()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{DefinitionID: def.ID, Problems: v.problems}
}

type validator struct {
	def      api.WorkflowDefinition
	steps    map[string]api.Step
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) run() {
	if v.def.ID == "" {
		v.addf("missing id")
	}
	if len(v.def.Steps) == 0 {
		v.addf("no steps")
		return
	}

	for _, s := range v.def.Steps {
		if s.ID == "" {
			v.addf("step with empty id")
			continue
		}
		if _, dup := v.steps[s.ID]; dup {
			v.addf("duplicate step %q", s.ID)
			continue
		}
		v.steps[s.ID] = s
	}

	if v.def.Entry == "" {
		v.addf("missing entry step")
	} else if _, ok := v.steps[v.def.Entry]; !ok {
		v.addf("entry step %q does not exist", v.def.Entry)
	}

	for _, s := range v.def.Steps {
		if s.ID != "" {
			v.checkStep(s)
		}
	}

	// Graph checks only make sense once every edge resolves.
	if len(v.problems) > 0 {
		return
	}
	v.checkReachability()
	v.checkTermination()
	v.checkCycles()
}

func (v *validator) checkEdge(from, label, to string) {
	if to == "" {
		v.addf("step %q: missing %s edge", from, label)
		return
	}
	if _, ok := v.steps[to]; !ok {
		v.addf("step %q: %s edge points to unknown step %q", from, label, to)
	}
}

func (v *validator) checkStep(s api.Step) {
	switch s.Kind {
	case api.StepSend:
		if s.Send == nil {
			v.addf("step %q: send step without send settings", s.ID)
			return
		}
		if s.Send.Channel == "" {
			v.addf("step %q: missing channel", s.ID)
		}
		v.checkVariants(s)
		if s.Send.Retry != nil && s.Send.Retry.MaxAttempts < 1 {
			v.addf("step %q: retry needs at least one attempt", s.ID)
		}
		v.checkEdge(s.ID, "next", s.Next)

	case api.StepWait:
		if s.Wait == nil {
			v.addf("step %q: wait step without wait settings", s.ID)
			return
		}
		switch s.Wait.Mode {
		case api.WaitDuration:
			if s.Wait.Duration <= 0 {
				v.addf("step %q: duration wait needs a positive duration", s.ID)
			}
		case api.WaitUntil:
			if s.Wait.Condition == nil {
				v.addf("step %q: until wait needs a condition", s.ID)
			} else if err := predicate.Validate(*s.Wait.Condition); err != nil {
				v.addf("step %q: condition: %v", s.ID, err)
			}
			if s.Wait.Timeout <= 0 {
				v.addf("step %q: until wait needs a positive timeout", s.ID)
			}
			if s.Wait.TimeoutNext != "" {
				v.checkEdge(s.ID, "timeout", s.Wait.TimeoutNext)
			}
		case "":
			v.addf("step %q: wait mode must be set to %q or %q", s.ID, api.WaitDuration, api.WaitUntil)
		default:
			v.addf("step %q: unknown wait mode %q", s.ID, s.Wait.Mode)
		}
		v.checkEdge(s.ID, "next", s.Next)

	case api.StepBranch:
		if s.Branch == nil {
			v.addf("step %q: branch step without branch settings", s.ID)
			return
		}
		if err := predicate.Validate(s.Branch.Predicate); err != nil {
			v.addf("step %q: predicate: %v", s.ID, err)
		}
		v.checkEdge(s.ID, "true", s.Branch.TrueNext)
		v.checkEdge(s.ID, "false", s.Branch.FalseNext)

	case api.StepExit:
		if s.Exit == nil || s.Exit.Reason == "" {
			v.addf("step %q: exit step needs a reason", s.ID)
		}

	default:
		v.addf("step %q: unknown kind %q", s.ID, s.Kind)
	}
}

func (v *validator) checkVariants(s api.Step) {
	if len(s.Send.Variants) == 0 {
		if s.Send.ContentRef == "" {
			v.addf("step %q: missing content ref", s.ID)
		}
		return
	}
	seen := map[string]bool{}
	for _, vr := range s.Send.Variants {
		if vr.Label == "" {
			v.addf("step %q: variant with empty label", s.ID)
			continue
		}
		if seen[vr.Label] {
			v.addf("step %q: duplicate variant %q", s.ID, vr.Label)
		}
		seen[vr.Label] = true
		if vr.Weight <= 0 {
			v.addf("step %q: variant %q needs a positive weight", s.ID, vr.Label)
		}
		if vr.ContentRef == "" && s.Send.ContentRef == "" {
			v.addf("step %q: variant %q has no content ref", s.ID, vr.Label)
		}
	}
}

func (v *validator) checkReachability() {
	seen := map[string]bool{}
	stack := []string{v.def.Entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, v.steps[id].Edges()...)
	}
	for _, id := range v.sortedIDs() {
		if !seen[id] {
			v.addf("step %q is unreachable from entry %q", id, v.def.Entry)
		}
	}
}

// checkTermination walks the reversed graph from every exit step; any step
// not reached cannot finish.
func (v *validator) checkTermination() {
	reverse := map[string][]string{}
	var stack []string
	for id, s := range v.steps {
		for _, to := range s.Edges() {
			reverse[to] = append(reverse[to], id)
		}
		if s.Kind == api.StepExit {
			stack = append(stack, id)
		}
	}
	if len(stack) == 0 {
		v.addf("no exit step")
		return
	}
	canFinish := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if canFinish[id] {
			continue
		}
		canFinish[id] = true
		stack = append(stack, reverse[id]...)
	}
	for _, id := range v.sortedIDs() {
		if !canFinish[id] {
			v.addf("step %q has no path to an exit", id)
		}
	}
}

// checkCycles reports cycles that can be traversed without a timer firing.
// A duration wait always yields, and so does the timeout edge of an until
// wait; the Next edge of an until wait is taken at once when the condition
// already holds. Dropping the yielding edges must leave the graph acyclic.
func (v *validator) checkCycles() {
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	reported := false

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		for _, to := range immediateEdges(v.steps[id]) {
			if _, ok := v.steps[to]; !ok {
				continue
			}
			switch state[to] {
			case onStack:
				if !reported {
					v.addf("cycle through %q does not pass a timed wait", to)
					reported = true
				}
			case unvisited:
				visit(to)
			}
		}
		state[id] = done
	}

	for _, id := range v.sortedIDs() {
		if state[id] == unvisited {
			visit(id)
		}
	}
}

// immediateEdges returns the edges of s that can be followed in the same
// run that reached s.
func immediateEdges(s api.Step) []string {
	if s.Kind != api.StepWait {
		return s.Edges()
	}
	if s.Wait != nil && s.Wait.Mode == api.WaitUntil && s.Next != "" {
		return []string{s.Next}
	}
	return nil
}

func (v *validator) sortedIDs() []string {
	ids := make([]string, 0, len(v.steps))
	for id := range v.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
