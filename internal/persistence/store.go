package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/drip/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition version is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrSegmentNotFound is returned when a segment version is not found.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrCampaignNotFound is returned when a campaign is not found.
	ErrCampaignNotFound = api.ErrCampaignNotFound

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrVersionExists is returned when saving a definition or segment
	// version that is already stored. Stored versions are immutable.
	ErrVersionExists = errors.New("version already exists")

	// ErrDuplicateInstance is returned by CreateInstance when the
	// (campaign, customer) pair already has a live instance.
	ErrDuplicateInstance = errors.New("live instance already exists")
)

// CatalogStore holds definitions, segments and campaigns.
type CatalogStore interface {
	SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error)
	// LatestDefinitionVersion returns 0 when no version exists.
	LatestDefinitionVersion(ctx context.Context, id string) (int, error)

	SaveSegment(ctx context.Context, seg api.Segment) error
	GetSegment(ctx context.Context, id string, version int) (api.Segment, error)
	LatestSegmentVersion(ctx context.Context, id string) (int, error)

	SaveCampaign(ctx context.Context, c *api.Campaign) error
	UpdateCampaign(ctx context.Context, c *api.Campaign) error
	GetCampaign(ctx context.Context, id string) (*api.Campaign, error)
	ListCampaigns(ctx context.Context) ([]*api.Campaign, error)
}

// InstanceSummary aggregates the instances of one campaign.
type InstanceSummary struct {
	ByStatus   map[api.Status]int
	Deliveries int
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	// CreateInstance stores a new instance. It fails with
	// ErrDuplicateInstance if the pair already has a live instance.
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	// FindLive returns the ACTIVE or WAITING instance of the pair, or
	// ErrInstanceNotFound.
	FindLive(ctx context.Context, campaignID, customerID string) (*api.WorkflowInstance, error)
	// HasInstance reports whether the pair ever had an instance.
	HasInstance(ctx context.Context, campaignID, customerID string) (bool, error)
	ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error)
	Summarize(ctx context.Context, campaignID string) (InstanceSummary, error)
}

// UpsertResult reports which traits of a batch were written.
type UpsertResult struct {
	Applied []string
	// Stale lists traits whose stored version is newer; they were left
	// unchanged.
	Stale []string
}

// TraitStore holds the per-customer trait profiles.
type TraitStore interface {
	// UpsertTraits writes a batch of traits atomically. A trait whose stored
	// AsOf is after asOf is left unchanged and reported as stale; an equal
	// AsOf is a recomputation at the same logical time and is applied.
	UpsertTraits(ctx context.Context, customerID string, values map[string]api.Value, asOf time.Time) (UpsertResult, error)
	// GetTraits returns a consistent snapshot. Unknown customers yield an
	// empty snapshot.
	GetTraits(ctx context.Context, customerID string) (api.Snapshot, error)
	ListCustomers(ctx context.Context) ([]string, error)
}

// UpsertTrait writes a single trait. It reports whether the write was
// applied; a stale write is not an error.
func UpsertTrait(ctx context.Context, s TraitStore, customerID, name string, value api.Value, asOf time.Time) (bool, error) {
	res, err := s.UpsertTraits(ctx, customerID, map[string]api.Value{name: value}, asOf)
	if err != nil {
		return false, err
	}
	return len(res.Applied) == 1, nil
}

// EventLog is the durable, append-only log of customer events.
type EventLog interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	// ListEvents returns the customer's events ordered by timestamp.
	ListEvents(ctx context.Context, customerID string) ([]api.Event, error)
}

// LedgerStore remembers delivery outcomes by idempotency token.
type LedgerStore interface {
	LookupDelivery(ctx context.Context, token string) (api.DeliveryResult, bool, error)
	// RecordDelivery stores res for token. If the token already has an
	// outcome, the stored one wins and is returned with recorded=false.
	RecordDelivery(ctx context.Context, token string, res api.DeliveryResult) (stored api.DeliveryResult, recorded bool, err error)
}

// AssignmentStore persists A/B assignments for auditability.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, instanceID, stepID string) (string, bool, error)
	// SaveAssignment stores the label unless one exists; the stored label
	// is returned either way.
	SaveAssignment(ctx context.Context, instanceID, stepID, label string) (string, error)
}

// LockStore provides acquire-or-skip advisory locks with a TTL.
type LockStore interface {
	// TryAcquire attempts to acquire (or re-acquire) the lock on key.
	// If another owner holds an unexpired lock it returns false, nil.
	// A lock owned by the same owner is re-entrant.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release releases the lock if owned by owner. It is idempotent.
	Release(ctx context.Context, key, owner string) error
}

// HistoryStore is the append-only audit trail of instance transitions.
type HistoryStore interface {
	AppendHistory(ctx context.Context, ev api.HistoryEvent) error
	ListHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}
