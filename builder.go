package drip

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/drip/internal/definition"
	"github.com/petrijr/drip/pkg/api"
)

// FlowBuilder provides a fluent API for defining campaign workflows:
//
//	flow := drip.New("winback").
//	    Send("email", "email", "tpl-winback").
//	    Wait("wait-3d", 72*time.Hour).
//	    Branch("opened?", drip.Did(drip.EventEmailOpen, 72*time.Hour), "done", "sms").
//	    Send("sms", "sms", "tpl-winback-sms").
//	    Done("done")
//
//	camp, err := flow.Launch(ctx, engine, "Win back", drip.InactiveDays(30))
//
// Send and wait steps continue with the step added after them unless Goto
// names another one. Branch and exit steps never fall through.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder. id names the definition; versions are
// assigned when a campaign is created from it.
func New(id string) *FlowBuilder {
	if id == "" {
		panic("drip: workflow id must not be empty")
	}
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			ID:    id,
			Name:  id,
			Steps: make([]api.Step, 0),
		},
	}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Named sets a human-readable name.
func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.def.Name = name
	return b
}

// ExitOn makes the given event types end every live instance of the flow.
func (b *FlowBuilder) ExitOn(eventTypes ...string) *FlowBuilder {
	b.def.ExitEvents = append(b.def.ExitEvents, eventTypes...)
	return b
}

func (b *FlowBuilder) add(s api.Step) *FlowBuilder {
	if s.ID == "" {
		panic("drip: step id must not be empty")
	}
	if b.def.Entry == "" {
		b.def.Entry = s.ID
	}
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Send appends a send step.
func (b *FlowBuilder) Send(id, channel, contentRef string) *FlowBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepSend, Send: &api.SendSpec{Channel: channel, ContentRef: contentRef}})
}

// SendWithRetry appends a send step that uses the given retry policy.
func (b *FlowBuilder) SendWithRetry(id, channel, contentRef string, retry RetryPolicy) *FlowBuilder {
	// Copy so callers can reuse their policy.
	r := retry
	return b.add(api.Step{ID: id, Kind: api.StepSend, Send: &api.SendSpec{Channel: channel, ContentRef: contentRef, Retry: &r}})
}

// SendVariants appends an A/B send step. Each customer is assigned one
// variant deterministically by weight.
func (b *FlowBuilder) SendVariants(id, channel string, variants ...Variant) *FlowBuilder {
	if len(variants) == 0 {
		panic(fmt.Sprintf("drip: step %q has no variants", id))
	}
	vs := append([]api.Variant(nil), variants...)
	return b.add(api.Step{ID: id, Kind: api.StepSend, Send: &api.SendSpec{Channel: channel, Variants: vs}})
}

// Wait appends a step that pauses for d.
func (b *FlowBuilder) Wait(id string, d time.Duration) *FlowBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepWait, Wait: &api.WaitSpec{Mode: api.WaitDuration, Duration: d}})
}

// WaitUntil appends a step that pauses until cond holds or timeout passes.
// On timeout the flow continues at timeoutNext, or like a met condition
// when timeoutNext is empty.
func (b *FlowBuilder) WaitUntil(id string, cond Predicate, timeout time.Duration, timeoutNext string) *FlowBuilder {
	c := cond
	return b.add(api.Step{ID: id, Kind: api.StepWait, Wait: &api.WaitSpec{
		Mode:        api.WaitUntil,
		Condition:   &c,
		Timeout:     timeout,
		TimeoutNext: timeoutNext,
	}})
}

// Branch appends a step that continues at trueNext when p holds for the
// customer and at falseNext otherwise.
func (b *FlowBuilder) Branch(id string, p Predicate, trueNext, falseNext string) *FlowBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepBranch, Branch: &api.BranchSpec{
		Predicate: p,
		TrueNext:  trueNext,
		FalseNext: falseNext,
	}})
}

// Exit appends a terminal step.
func (b *FlowBuilder) Exit(id, reason string) *FlowBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepExit, Exit: &api.ExitSpec{Reason: reason}})
}

// Done appends a terminal step that completes the instance.
func (b *FlowBuilder) Done(id string) *FlowBuilder {
	return b.Exit(id, api.ReasonDone)
}

// Goto sets the successor of the last send or wait step.
func (b *FlowBuilder) Goto(next string) *FlowBuilder {
	n := len(b.def.Steps)
	if n == 0 {
		panic("drip: Goto before any step")
	}
	last := &b.def.Steps[n-1]
	if last.Kind != api.StepSend && last.Kind != api.StepWait {
		panic(fmt.Sprintf("drip: Goto after %s step %q", last.Kind, last.ID))
	}
	last.Next = next
	return b
}

// Build links fall-through steps and validates the definition.
func (b *FlowBuilder) Build() (WorkflowDefinition, error) {
	def := b.def
	def.Steps = make([]api.Step, len(b.def.Steps))
	copy(def.Steps, b.def.Steps)
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Next != "" || i+1 == len(def.Steps) {
			continue
		}
		if s.Kind == api.StepSend || s.Kind == api.StepWait {
			s.Next = def.Steps[i+1].ID
		}
	}
	if err := definition.Validate(def); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// MustBuild is like Build but panics on error.
// Useful for package-level flow definitions.
func (b *FlowBuilder) MustBuild() WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Campaign builds the flow into a campaign spec for seg.
func (b *FlowBuilder) Campaign(name string, seg Segment, reentry ReentryPolicy) (CampaignSpec, error) {
	def, err := b.Build()
	if err != nil {
		return CampaignSpec{}, err
	}
	return CampaignSpec{Name: name, Definition: def, Segment: seg, Reentry: reentry}, nil
}

// Launch creates a campaign running the flow for seg. Customers are admitted
// at most once.
func (b *FlowBuilder) Launch(ctx context.Context, eng Engine, name string, seg Segment) (*Campaign, error) {
	spec, err := b.Campaign(name, seg, api.ReentryNever)
	if err != nil {
		return nil, err
	}
	return eng.CreateCampaign(ctx, spec)
}
