package api

import "time"

// Customer event types understood by trait computation. Any other type is
// accepted and counted.
const (
	EventPageView         = "page_view"
	EventPurchase         = "purchase"
	EventAddToCart        = "add_to_cart"
	EventEmailOpen        = "email_open"
	EventEmailClick       = "email_click"
	EventEmailUnsubscribe = "email_unsubscribe"
	EventUnsubscribe      = "unsubscribe"
	EventSignup           = "signup"
	EventIdentify         = "identify"
)

// Event is one raw customer behavior event.
type Event struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customer_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// HistoryType identifies an instance history record.
type HistoryType string

const (
	HistoryInstanceCreated   HistoryType = "instance.created"
	HistoryInstanceCompleted HistoryType = "instance.completed"
	HistoryInstanceExited    HistoryType = "instance.exited"
	HistoryInstanceFailed    HistoryType = "instance.failed"
	HistoryEntrySuppressed   HistoryType = "entry.suppressed"

	HistoryStepStarted   HistoryType = "step.started"
	HistorySendAttempted HistoryType = "send.attempted"
	HistorySendSucceeded HistoryType = "send.succeeded"
	HistorySendFailed    HistoryType = "send.failed"
	HistoryBranchTaken   HistoryType = "branch.taken"
	HistoryWaitArmed     HistoryType = "wait.armed"
	HistoryTimerFired    HistoryType = "timer.fired"
	HistoryConditionMet  HistoryType = "condition.met"
)

// HistoryEvent is an append-only audit record of one instance transition.
type HistoryEvent struct {
	InstanceID string      `json:"instance_id"`
	At         time.Time   `json:"at"`
	Type       HistoryType `json:"type"`
	Step       string      `json:"step,omitempty"`

	// Small, human-oriented details (token, variant, reason).
	Detail string `json:"detail,omitempty"`
}
