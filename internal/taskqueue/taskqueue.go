package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskEnter asks the engine to admit a customer into a campaign.
	TaskEnter TaskType = "enter"
	// TaskExit asks the engine to end the pair's live instance.
	TaskExit TaskType = "exit"
	// TaskAdvance runs an active instance.
	TaskAdvance TaskType = "advance"
	// TaskTimer fires the timer armed for FireAt.
	TaskTimer TaskType = "timer"
	// TaskCondition re-checks an until-wait.
	TaskCondition TaskType = "condition"
)

// Task is one queued engine call.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// enter, exit and condition tasks address the (campaign, customer) pair.
	CampaignID string `json:"campaign_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// advance, timer and condition tasks address an instance.
	InstanceID string    `json:"instance_id,omitempty"`
	FireAt     time.Time `json:"fire_at,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore delays delivery to a worker; zero means due on enqueue.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Attempts counts how often the task was re-queued after a busy pair
	// or a transient failure.
	Attempts int `json:"attempts"`
}

// Queue hands tasks to workers. Delivery is at-least-once; the engine's
// pair lock and token ledger make repeated tasks harmless.
type Queue interface {
	// Enqueue stores t, assigning an ID and EnqueuedAt when unset.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len counts queued tasks, delayed ones included. It may be approximate.
	Len() int
}
