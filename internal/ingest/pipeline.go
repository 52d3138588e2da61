// Package ingest turns customer events into trait updates and proposes
// campaign entries and exits to the engine.
//
// The pipeline never creates or ends instances itself. Everything it
// decides is a proposal; the engine re-checks it under the pair lock.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/segment"
	"github.com/petrijr/drip/internal/traits"
	"github.com/petrijr/drip/pkg/api"
)

// ErrInvalidEvent is returned for events without a customer or a type.
var ErrInvalidEvent = errors.New("invalid event")

// Ack acknowledges one ingested event.
type Ack struct {
	EventID  string    `json:"event_id"`
	AsOf     time.Time `json:"as_of"`
	Applied  int       `json:"traits_applied"`
	Stale    int       `json:"traits_stale"`
	Proposed int       `json:"proposed"`
}

// Config wires a Pipeline. Persistence and Sink are required.
type Config struct {
	Persistence persistence.Persistence
	Sink        api.TriggerSink
	Computer    *traits.Computer
	Clock       api.Clock
	Logger      *slog.Logger
}

// Pipeline ingests events and re-evaluates campaign membership.
type Pipeline struct {
	p        persistence.Persistence
	sink     api.TriggerSink
	computer *traits.Computer
	segments *segment.Evaluator
	clock    api.Clock
	logger   *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Persistence.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sink == nil {
		return nil, errors.New("ingest: trigger sink is required")
	}
	p := &Pipeline{
		p:        cfg.Persistence,
		sink:     cfg.Sink,
		computer: cfg.Computer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if p.computer == nil {
		p.computer = traits.NewComputer()
	}
	if p.clock == nil {
		p.clock = api.SystemClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.segments = segment.NewEvaluator(p.logger)
	return p, nil
}

// Ingest appends ev to the event log, recomputes the customer's traits and
// proposes the membership changes they cause.
//
// Traits are computed as of now. Events stamped in the future are clamped
// to now: a future as_of would make every trait write until then stale.
func (p *Pipeline) Ingest(ctx context.Context, ev api.Event) (Ack, error) {
	if ev.CustomerID == "" || ev.Type == "" {
		return Ack{}, fmt.Errorf("%w: customer id and type are required", ErrInvalidEvent)
	}
	now := p.clock.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	switch {
	case ev.Timestamp.IsZero():
		ev.Timestamp = now
	case ev.Timestamp.After(now):
		p.logger.Warn("event_clamped",
			slog.String("customer_id", ev.CustomerID),
			slog.String("type", ev.Type),
			slog.Time("timestamp", ev.Timestamp),
			slog.Time("now", now),
		)
		ev.Timestamp = now
	}
	asOf := now

	if err := p.p.Events.AppendEvent(ctx, ev); err != nil {
		return Ack{}, fmt.Errorf("append event %s: %w", ev.ID, err)
	}

	ack, prev, next, err := p.refresh(ctx, ev.CustomerID, asOf)
	if err != nil {
		return ack, err
	}
	ack.EventID = ev.ID

	n, err := p.reevaluate(ctx, ev.CustomerID, prev, next, &ev)
	ack.Proposed = n
	p.logger.Debug("event_ingested",
		slog.String("event_id", ev.ID),
		slog.String("customer_id", ev.CustomerID),
		slog.String("type", ev.Type),
		slog.Int("traits_applied", ack.Applied),
		slog.Int("proposed", n),
	)
	return ack, err
}

// Suppress records an unsubscribe for the customer. Every campaign audience
// excludes unsubscribed customers, so live instances are proposed for exit.
func (p *Pipeline) Suppress(ctx context.Context, customerID string) (Ack, error) {
	return p.Ingest(ctx, api.Event{CustomerID: customerID, Type: api.EventUnsubscribe})
}

// Sweep recomputes every customer's traits at asOf and proposes the
// membership changes that time alone caused, such as a customer becoming
// inactive for 30 days. It returns the number of proposals.
func (p *Pipeline) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	customers, err := p.p.Traits.ListCustomers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list customers: %w", err)
	}

	total := 0
	var errs []error
	for _, cust := range customers {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		_, prev, next, err := p.refresh(ctx, cust, asOf)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := p.reevaluate(ctx, cust, prev, next, nil)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("population_swept",
		slog.Time("as_of", asOf),
		slog.Int("customers", len(customers)),
		slog.Int("proposed", total),
	)
	return total, errors.Join(errs...)
}

// refresh recomputes and stores the customer's traits at asOf and returns
// the snapshots before and after.
func (p *Pipeline) refresh(ctx context.Context, customerID string, asOf time.Time) (Ack, api.Snapshot, api.Snapshot, error) {
	ack := Ack{AsOf: asOf}

	prev, err := p.p.Traits.GetTraits(ctx, customerID)
	if err != nil {
		return ack, api.Snapshot{}, api.Snapshot{}, fmt.Errorf("load traits of %s: %w", customerID, err)
	}
	events, err := p.p.Events.ListEvents(ctx, customerID)
	if err != nil {
		return ack, prev, prev, fmt.Errorf("list events of %s: %w", customerID, err)
	}

	values := p.computer.Compute(events, asOf)
	if len(values) > 0 {
		res, err := p.p.Traits.UpsertTraits(ctx, customerID, values, asOf)
		if err != nil {
			return ack, prev, prev, fmt.Errorf("upsert traits of %s: %w", customerID, err)
		}
		ack.Applied, ack.Stale = len(res.Applied), len(res.Stale)
	}

	next, err := p.p.Traits.GetTraits(ctx, customerID)
	if err != nil {
		return ack, prev, prev, fmt.Errorf("load traits of %s: %w", customerID, err)
	}
	return ack, prev, next, nil
}

// reevaluate diffs the customer's membership of every running campaign and
// proposes the resulting triggers. Campaigns that are not running only get
// exits. ev is nil for sweeps.
func (p *Pipeline) reevaluate(ctx context.Context, customerID string, prev, next api.Snapshot, ev *api.Event) (int, error) {
	camps, err := p.p.Catalog.ListCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list campaigns: %w", err)
	}
	live, err := p.p.Instances.ListInstances(ctx, api.InstanceFilter{CustomerID: customerID, Live: true})
	if err != nil {
		return 0, fmt.Errorf("list live instances of %s: %w", customerID, err)
	}
	liveBy := make(map[string]*api.WorkflowInstance, len(live))
	for _, inst := range live {
		liveBy[inst.CampaignID] = inst
	}

	proposed := 0
	var errs []error
	propose := func(t api.Trigger) {
		if err := p.sink.Propose(ctx, t); err != nil {
			if errors.Is(err, api.ErrInstanceBusy) {
				// Still busy after the engine's own retries. The engine
				// re-checks membership and exit events before the instance
				// resumes, so nothing is sent after this trigger.
				p.logger.Warn("proposal_skipped_busy",
					slog.String("campaign_id", t.CampaignID),
					slog.String("customer_id", t.CustomerID),
					slog.String("kind", string(t.Kind)),
				)
				return
			}
			errs = append(errs, err)
			return
		}
		proposed++
	}

	for _, camp := range camps {
		inst := liveBy[camp.ID]
		if camp.Status != api.CampaignRunning {
			// Nothing enters a paused or scheduled campaign, but its live
			// instances still leave it.
			if inst == nil {
				continue
			}
			if !p.segments.Evaluate(camp.Audience(), next, next.AsOf) {
				propose(api.Trigger{Kind: api.TriggerExit, CampaignID: camp.ID, CustomerID: customerID, Reason: api.ReasonSegmentExit})
				continue
			}
			if ev != nil {
				def, err := p.p.Catalog.GetDefinition(ctx, camp.DefinitionID, camp.DefinitionVersion)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if def.ExitsOn(ev.Type) {
					propose(api.Trigger{Kind: api.TriggerExit, CampaignID: camp.ID, CustomerID: customerID, Reason: api.ReasonExitEvent})
				}
			}
			continue
		}

		switch p.segments.DiffAt(camp.Audience(), prev, prev.AsOf, next, next.AsOf) {
		case api.Entered:
			propose(api.Trigger{Kind: api.TriggerEnter, CampaignID: camp.ID, CustomerID: customerID})
			continue
		case api.Exited:
			if inst != nil {
				propose(api.Trigger{Kind: api.TriggerExit, CampaignID: camp.ID, CustomerID: customerID, Reason: api.ReasonSegmentExit})
			}
			continue
		}

		if inst == nil {
			continue
		}
		if ev != nil {
			def, err := p.p.Catalog.GetDefinition(ctx, camp.DefinitionID, camp.DefinitionVersion)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if def.ExitsOn(ev.Type) {
				propose(api.Trigger{Kind: api.TriggerExit, CampaignID: camp.ID, CustomerID: customerID, Reason: api.ReasonExitEvent})
				continue
			}
		}
		if inst.AwaitingCondition {
			propose(api.Trigger{Kind: api.TriggerCondition, CampaignID: camp.ID, CustomerID: customerID})
		}
	}
	return proposed, errors.Join(errs...)
}
