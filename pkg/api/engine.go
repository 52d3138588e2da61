package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidDefinition is returned when a workflow definition or a
	// segment predicate is malformed. No instance is ever created for it.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrInstanceBusy is returned when another worker holds the lock of the
	// (campaign, customer) pair. Callers re-queue the job.
	ErrInstanceBusy = errors.New("instance busy")

	// ErrCampaignNotFound is returned for unknown campaign ids.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrCampaignExists is returned when CreateCampaign is given an id
	// that is already taken.
	ErrCampaignExists = errors.New("campaign already exists")

	// ErrCampaignCancelled is returned when pausing or resuming a cancelled
	// campaign.
	ErrCampaignCancelled = errors.New("campaign cancelled")
)

// TriggerKind is the kind of work proposed to the engine.
type TriggerKind string

const (
	TriggerEnter     TriggerKind = "enter"
	TriggerExit      TriggerKind = "exit"
	TriggerCondition TriggerKind = "condition"
)

// Trigger is a proposal from the ingestion stream. The engine decides what,
// if anything, happens.
type Trigger struct {
	Kind       TriggerKind
	CampaignID string
	CustomerID string
	Reason     string
}

// TriggerSink accepts proposed triggers.
type TriggerSink interface {
	Propose(ctx context.Context, t Trigger) error
}

// EntryOutcome is the result of an entry attempt.
type EntryOutcome string

const (
	EntryCreated     EntryOutcome = "created"
	EntrySuppressed  EntryOutcome = "suppressed"
	EntryNotEligible EntryOutcome = "not-eligible"
	EntryPaused      EntryOutcome = "paused"
)

// EntryResult reports what Enter did. Instance is set for created and
// suppressed outcomes.
type EntryResult struct {
	Outcome  EntryOutcome
	Instance *WorkflowInstance
}

// InstanceFilter selects instances. Zero fields do not filter.
type InstanceFilter struct {
	CampaignID string
	CustomerID string
	Status     Status
	// Live restricts the result to ACTIVE and WAITING instances.
	Live bool
}

// Engine is the campaign workflow engine.
type Engine interface {
	TriggerSink

	// CreateCampaign validates and stores the definition and segment and
	// proposes entry for every customer currently in the audience.
	CreateCampaign(ctx context.Context, spec CampaignSpec) (*Campaign, error)
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	// CancelCampaign stops the campaign for good and exits every live
	// instance with reason.
	CancelCampaign(ctx context.Context, campaignID, reason string) error
	// StartDueCampaigns starts scheduled campaigns whose StartAt is not
	// after now and returns how many started.
	StartDueCampaigns(ctx context.Context, now time.Time) (int, error)
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]*Campaign, error)
	CampaignStats(ctx context.Context, campaignID string) (CampaignStats, error)

	// Enter creates an instance for the pair unless one is live, the
	// customer is not in the audience, or the campaign is paused.
	Enter(ctx context.Context, campaignID, customerID string) (EntryResult, error)
	// Exit ends the live instance of the pair, if any.
	Exit(ctx context.Context, campaignID, customerID, reason string) error

	// Advance runs an active instance until it sends, waits or terminates.
	Advance(ctx context.Context, instanceID string) error
	// FireTimer resumes an instance whose timer armed for at has expired.
	// A stale or cancelled timer is a no-op.
	FireTimer(ctx context.Context, instanceID string, at time.Time) error
	// CheckCondition resumes an until-wait whose condition now holds.
	CheckCondition(ctx context.Context, instanceID string) error
	// FireDueTimers fires every timer due at now and returns how many fired.
	FireDueTimers(ctx context.Context, now time.Time) (int, error)

	// Recover re-arms timers of waiting instances and resumes active ones.
	Recover(ctx context.Context) error

	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	History(ctx context.Context, instanceID string) ([]HistoryEvent, error)
}
