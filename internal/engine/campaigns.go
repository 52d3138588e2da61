package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/drip/internal/definition"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/pkg/api"
)

// maxVersionAttempts bounds how often CreateCampaign re-reads the latest
// version after losing a race with a concurrent create.
const maxVersionAttempts = 8

func (e *engineImpl) CreateCampaign(ctx context.Context, spec api.CampaignSpec) (camp *api.Campaign, err error) {
	ctx, span := e.startSpan(ctx, "engine.create_campaign", attribute.String("campaign.name", spec.Name))
	defer func() { endSpan(span, err) }()

	if err := definition.ValidateSpec(spec); err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := e.p.Catalog.GetCampaign(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrCampaignExists, id)
	} else if !errors.Is(err, persistence.ErrCampaignNotFound) {
		return nil, err
	}

	def := spec.Definition
	def.Version, err = e.nextVersion(ctx, "definition "+def.ID,
		func() (int, error) { return e.p.Catalog.LatestDefinitionVersion(ctx, def.ID) },
		func(v int) error { def.Version = v; return e.p.Catalog.SaveDefinition(ctx, def) },
	)
	if err != nil {
		return nil, err
	}

	seg := spec.Segment
	seg.Version, err = e.nextVersion(ctx, "segment "+seg.ID,
		func() (int, error) { return e.p.Catalog.LatestSegmentVersion(ctx, seg.ID) },
		func(v int) error { seg.Version = v; return e.p.Catalog.SaveSegment(ctx, seg) },
	)
	if err != nil {
		return nil, err
	}

	reentry := spec.Reentry
	if reentry == "" {
		reentry = api.ReentryNever
	}
	now := e.clock.Now()
	status := api.CampaignRunning
	if spec.StartAt.After(now) {
		status = api.CampaignScheduled
	}
	camp = &api.Campaign{
		ID:                id,
		Name:              spec.Name,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Segment:           seg,
		Status:            status,
		Reentry:           reentry,
		StartAt:           spec.StartAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.p.Catalog.SaveCampaign(ctx, camp); err != nil {
		if spec.ID != "" && errors.Is(err, persistence.ErrVersionExists) {
			return nil, fmt.Errorf("%w: %s", api.ErrCampaignExists, id)
		}
		return nil, fmt.Errorf("save campaign: %w", err)
	}
	span.SetAttributes(attribute.String("campaign.id", camp.ID))

	e.logger.Info("campaign_created",
		slog.String("campaign_id", camp.ID),
		slog.String("name", camp.Name),
		slog.String("status", string(camp.Status)),
		slog.String("definition", fmt.Sprintf("%s@%d", def.ID, def.Version)),
		slog.String("segment", fmt.Sprintf("%s@%d", seg.ID, seg.Version)),
	)
	if status == api.CampaignScheduled {
		return camp, nil
	}
	return camp, e.sweep(ctx, camp)
}

// nextVersion saves version latest+1, re-reading latest when a concurrent
// create took the version first.
func (e *engineImpl) nextVersion(ctx context.Context, what string, latest func() (int, error), save func(int) error) (int, error) {
	for range maxVersionAttempts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v, err := latest()
		if err != nil {
			return 0, err
		}
		err = save(v + 1)
		if err == nil {
			return v + 1, nil
		}
		if !errors.Is(err, persistence.ErrVersionExists) {
			return 0, fmt.Errorf("save %s: %w", what, err)
		}
	}
	return 0, fmt.Errorf("save %s: %w after %d attempts", what, persistence.ErrVersionExists, maxVersionAttempts)
}

// sweep proposes entry for every known customer currently in the audience.
func (e *engineImpl) sweep(ctx context.Context, camp *api.Campaign) error {
	customers, err := e.p.Traits.ListCustomers(ctx)
	if err != nil {
		return fmt.Errorf("list customers: %w", err)
	}

	proposed := 0
	var errs []error
	for _, cust := range customers {
		in, err := e.inAudience(ctx, camp, cust)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !in {
			continue
		}
		err = e.Propose(ctx, api.Trigger{Kind: api.TriggerEnter, CampaignID: camp.ID, CustomerID: cust})
		switch {
		case err == nil:
			proposed++
		case errors.Is(err, api.ErrInstanceBusy):
			// someone else is already working on this pair
		default:
			errs = append(errs, fmt.Errorf("propose %s: %w", cust, err))
		}
	}
	e.logger.Info("campaign_swept",
		slog.String("campaign_id", camp.ID),
		slog.Int("customers", len(customers)),
		slog.Int("proposed", proposed),
	)
	return errors.Join(errs...)
}

func (e *engineImpl) PauseCampaign(ctx context.Context, campaignID string) error {
	camp, err := e.p.Catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch camp.Status {
	case api.CampaignPaused:
		return nil
	case api.CampaignCancelled:
		return fmt.Errorf("pause %s: %w", campaignID, api.ErrCampaignCancelled)
	}
	camp.Status = api.CampaignPaused
	camp.UpdatedAt = e.clock.Now()
	if err := e.p.Catalog.UpdateCampaign(ctx, camp); err != nil {
		return err
	}
	e.logger.Info("campaign_paused", slog.String("campaign_id", campaignID))
	return nil
}

// ResumeCampaign sets the campaign running again, re-arms the timers of its
// live instances, restarts active ones and re-sweeps the population. A
// scheduled campaign starts at once.
func (e *engineImpl) ResumeCampaign(ctx context.Context, campaignID string) error {
	camp, err := e.p.Catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch camp.Status {
	case api.CampaignCancelled:
		return fmt.Errorf("resume %s: %w", campaignID, api.ErrCampaignCancelled)
	case api.CampaignRunning:
	default:
		camp.Status = api.CampaignRunning
		camp.UpdatedAt = e.clock.Now()
		if err := e.p.Catalog.UpdateCampaign(ctx, camp); err != nil {
			return err
		}
	}

	live, err := e.p.Instances.ListInstances(ctx, api.InstanceFilter{CampaignID: campaignID, Live: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range live {
		if err := e.reschedule(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("campaign_resumed", slog.String("campaign_id", campaignID), slog.Int("live", len(live)))

	if err := e.sweep(ctx, camp); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CancelCampaign marks the campaign cancelled and exits its live
// instances. Cancelling twice is a no-op. Instances that cannot be exited
// now are exited when their timer fires or their pair is next touched.
func (e *engineImpl) CancelCampaign(ctx context.Context, campaignID, reason string) (err error) {
	ctx, span := e.startSpan(ctx, "engine.cancel_campaign", attribute.String("campaign.id", campaignID))
	defer func() { endSpan(span, err) }()

	camp, err := e.p.Catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if camp.Status == api.CampaignCancelled {
		return nil
	}
	if reason == "" {
		reason = api.ReasonCancelled
	}
	camp.Status = api.CampaignCancelled
	camp.CancelReason = reason
	camp.UpdatedAt = e.clock.Now()
	if err := e.p.Catalog.UpdateCampaign(ctx, camp); err != nil {
		return err
	}

	live, err := e.p.Instances.ListInstances(ctx, api.InstanceFilter{CampaignID: campaignID, Live: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range live {
		if err := e.untilFree(ctx, func() error { return e.Exit(ctx, campaignID, inst.CustomerID, reason) }); err != nil {
			errs = append(errs, fmt.Errorf("exit %s: %w", inst.ID, err))
		}
	}
	e.logger.Info("campaign_cancelled",
		slog.String("campaign_id", campaignID),
		slog.String("reason", reason),
		slog.Int("exited", len(live)-len(errs)),
	)
	return errors.Join(errs...)
}

// StartDueCampaigns starts every scheduled campaign whose start time has
// come and sweeps its population.
func (e *engineImpl) StartDueCampaigns(ctx context.Context, now time.Time) (int, error) {
	camps, err := e.p.Catalog.ListCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	var errs []error
	for _, camp := range camps {
		if camp.Status != api.CampaignScheduled || camp.StartAt.After(now) {
			continue
		}
		camp.Status = api.CampaignRunning
		camp.UpdatedAt = now
		if err := e.p.Catalog.UpdateCampaign(ctx, camp); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
		e.logger.Info("campaign_started", slog.String("campaign_id", camp.ID), slog.Time("start_at", camp.StartAt))
		if err := e.sweep(ctx, camp); err != nil {
			errs = append(errs, err)
		}
	}
	return started, errors.Join(errs...)
}

func (e *engineImpl) GetCampaign(ctx context.Context, campaignID string) (*api.Campaign, error) {
	return e.p.Catalog.GetCampaign(ctx, campaignID)
}

func (e *engineImpl) ListCampaigns(ctx context.Context) ([]*api.Campaign, error) {
	return e.p.Catalog.ListCampaigns(ctx)
}

func (e *engineImpl) CampaignStats(ctx context.Context, campaignID string) (api.CampaignStats, error) {
	if _, err := e.p.Catalog.GetCampaign(ctx, campaignID); err != nil {
		return api.CampaignStats{}, err
	}
	sum, err := e.p.Instances.Summarize(ctx, campaignID)
	if err != nil {
		return api.CampaignStats{}, err
	}

	e.mu.Lock()
	dups := e.suppressed[campaignID]
	e.mu.Unlock()

	return api.CampaignStats{
		CampaignID:           campaignID,
		Active:               sum.ByStatus[api.StatusActive],
		Waiting:              sum.ByStatus[api.StatusWaiting],
		Completed:            sum.ByStatus[api.StatusCompleted],
		Exited:               sum.ByStatus[api.StatusExited],
		Failed:               sum.ByStatus[api.StatusFailed],
		Deliveries:           sum.Deliveries,
		DuplicatesSuppressed: dups,
	}, nil
}
