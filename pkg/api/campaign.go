package api

import "time"

// CampaignStatus is the operator-controlled state of a campaign.
type CampaignStatus string

const (
	CampaignRunning CampaignStatus = "RUNNING"
	CampaignPaused  CampaignStatus = "PAUSED"
	// CampaignScheduled campaigns start at StartAt.
	CampaignScheduled CampaignStatus = "SCHEDULED"
	// CampaignCancelled is terminal. Every live instance was exited.
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// ReentryPolicy decides whether a customer may enter a campaign again after
// a previous instance finished.
type ReentryPolicy string

const (
	// ReentryNever admits each customer at most once.
	ReentryNever ReentryPolicy = "never"
	// ReentryAfterTerminal admits a customer again once the previous
	// instance is terminal.
	ReentryAfterTerminal ReentryPolicy = "after_terminal"
)

// Campaign binds a workflow definition version to a target segment version.
type Campaign struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Segment           Segment        `json:"segment"`
	Status            CampaignStatus `json:"status"`
	Reentry           ReentryPolicy  `json:"reentry"`
	StartAt           time.Time      `json:"start_at,omitzero"`
	CancelReason      string         `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Audience is the campaign's segment with suppressed customers removed.
func (c *Campaign) Audience() Segment {
	seg := c.Segment
	seg.Predicate = And(c.Segment.Predicate, Not(Compare(TraitUnsubscribed, OpEq, Bool(true))))
	return seg
}

// CampaignSpec is the input of CreateCampaign.
type CampaignSpec struct {
	// ID names the campaign. Empty means a generated id; an id that is
	// already taken fails with ErrCampaignExists.
	ID         string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string             `json:"name" yaml:"name"`
	Definition WorkflowDefinition `json:"definition" yaml:"definition"`
	Segment    Segment            `json:"segment" yaml:"segment"`
	Reentry    ReentryPolicy      `json:"reentry,omitempty" yaml:"reentry,omitempty"`
	// StartAt delays the campaign: until then it is SCHEDULED and admits
	// nobody.
	StartAt time.Time `json:"start_at,omitzero" yaml:"start_at,omitempty"`
}

// CampaignStats are the operator-facing aggregate counts of a campaign.
type CampaignStats struct {
	CampaignID           string `json:"campaign_id"`
	Active               int    `json:"active"`
	Waiting              int    `json:"waiting"`
	Completed            int    `json:"completed"`
	Exited               int    `json:"exited"`
	Failed               int    `json:"failed"`
	Deliveries           int    `json:"deliveries"`
	DuplicatesSuppressed int64  `json:"duplicates_suppressed"`
}

// Total is the number of instances ever created for the campaign.
func (s CampaignStats) Total() int {
	return s.Active + s.Waiting + s.Completed + s.Exited + s.Failed
}
