package api

import (
	"math"
	"time"
)

// Status represents the status of a workflow instance.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusExited    Status = "EXITED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExited || s == StatusFailed
}

// Exit reasons produced by the engine. An unsubscribe leaves every
// campaign audience and so ends instances with ReasonSegmentExit.
const (
	ReasonDone        = "done"
	ReasonSegmentExit = "segment-exit"
	ReasonExitEvent   = "exit-event"
	ReasonCancelled   = "campaign-cancelled"
)

// StepKind selects the variant of a Step.
type StepKind string

const (
	StepSend   StepKind = "send"
	StepWait   StepKind = "wait"
	StepBranch StepKind = "branch"
	StepExit   StepKind = "exit"
)

// WaitMode says what a Wait step waits for. There is no default; every wait
// step names its mode.
type WaitMode string

const (
	// WaitDuration resumes after a fixed duration.
	WaitDuration WaitMode = "duration"
	// WaitUntil resumes as soon as Condition holds, or after Timeout.
	WaitUntil WaitMode = "until"
)

// Variant is one weighted alternative of a send step.
type Variant struct {
	Label      string `json:"label" yaml:"label"`
	Weight     int    `json:"weight" yaml:"weight"`
	ContentRef string `json:"content_ref,omitempty" yaml:"content_ref,omitempty"`
}

// SendSpec configures a send step.
type SendSpec struct {
	Channel    string       `json:"channel" yaml:"channel"`
	ContentRef string       `json:"content_ref,omitempty" yaml:"content_ref,omitempty"`
	Variants   []Variant    `json:"variants,omitempty" yaml:"variants,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// WaitSpec configures a wait step.
type WaitSpec struct {
	Mode      WaitMode      `json:"mode" yaml:"mode"`
	Duration  time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Condition *Predicate    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// TimeoutNext is followed when an until-wait times out. Empty means Next.
	TimeoutNext string `json:"timeout_next,omitempty" yaml:"timeout_next,omitempty"`
}

// BranchSpec configures a branch step.
type BranchSpec struct {
	Predicate Predicate `json:"predicate" yaml:"predicate"`
	TrueNext  string    `json:"true_next" yaml:"true_next"`
	FalseNext string    `json:"false_next" yaml:"false_next"`
}

// ExitSpec configures an exit step. Reason "done" completes the instance.
type ExitSpec struct {
	Reason string `json:"reason" yaml:"reason"`
}

// Step is one node of a workflow graph. The detail pointer matching Kind
// must be set; Next is the outgoing edge of send and wait steps.
type Step struct {
	ID     string      `json:"id" yaml:"id"`
	Kind   StepKind    `json:"kind" yaml:"kind"`
	Next   string      `json:"next,omitempty" yaml:"next,omitempty"`
	Send   *SendSpec   `json:"send,omitempty" yaml:"send,omitempty"`
	Wait   *WaitSpec   `json:"wait,omitempty" yaml:"wait,omitempty"`
	Branch *BranchSpec `json:"branch,omitempty" yaml:"branch,omitempty"`
	Exit   *ExitSpec   `json:"exit,omitempty" yaml:"exit,omitempty"`
}

// Edges returns the ids of all steps reachable in one hop from s.
func (s Step) Edges() []string {
	var out []string
	switch s.Kind {
	case StepSend:
		out = append(out, s.Next)
	case StepWait:
		out = append(out, s.Next)
		if s.Wait != nil && s.Wait.TimeoutNext != "" && s.Wait.TimeoutNext != s.Next {
			out = append(out, s.Wait.TimeoutNext)
		}
	case StepBranch:
		if s.Branch != nil {
			out = append(out, s.Branch.TrueNext, s.Branch.FalseNext)
		}
	}
	return out
}

// WorkflowDefinition is an immutable, versioned graph of steps.
type WorkflowDefinition struct {
	ID      string `json:"id" yaml:"id"`
	Version int    `json:"version" yaml:"version"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Entry   string `json:"entry" yaml:"entry"`
	Steps   []Step `json:"steps" yaml:"steps"`
	// ExitEvents lists customer event types that end a live instance.
	ExitEvents []string `json:"exit_events,omitempty" yaml:"exit_events,omitempty"`
}

// Step returns the step with the given id.
func (d WorkflowDefinition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ExitsOn reports whether eventType is one of the definition's exit events.
func (d WorkflowDefinition) ExitsOn(eventType string) bool {
	for _, e := range d.ExitEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// WorkflowInstance is one customer's execution of one campaign.
type WorkflowInstance struct {
	ID                string `json:"id"`
	CampaignID        string `json:"campaign_id"`
	CustomerID        string `json:"customer_id"`
	DefinitionID      string `json:"definition_id"`
	DefinitionVersion int    `json:"definition_version"`

	CurrentStep string `json:"current_step"`
	Status      Status `json:"status"`
	ExitReason  string `json:"exit_reason,omitempty"`

	// Attempt counts failed send attempts at the current step.
	Attempt int `json:"attempt"`
	// Visit counts how many steps have been entered, so a step revisited
	// through a loop gets a fresh idempotency token.
	Visit int `json:"visit"`
	// PendingToken is the idempotency token of a send that was started but
	// not yet confirmed.
	PendingToken string `json:"pending_token,omitempty"`

	// ResumeAt is the armed timer of a waiting instance, or the retry time
	// of an active instance backing off after a failed send.
	ResumeAt time.Time `json:"resume_at,omitempty"`
	// AwaitingCondition is set while an until-wait is pending.
	AwaitingCondition bool `json:"awaiting_condition,omitempty"`

	Deliveries int    `json:"deliveries"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the instance.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	c := *i
	return &c
}

// RetryPolicy controls how failed sends are retried.
//
// MaxAttempts counts all attempts, the first one included. Delays grow
// from InitialBackoff by BackoffMultiplier and are capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier" mapstructure:"multiplier"`
}

// DefaultRetryPolicy is used for sends without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Minute,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the wait before the retry that follows failed attempt
// number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
