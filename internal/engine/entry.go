package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/pkg/api"
)

// Propose hands a trigger to the engine. With a queue configured the
// trigger becomes a task; otherwise it is handled inline, waiting out a
// busy pair for up to one lock TTL.
func (e *engineImpl) Propose(ctx context.Context, t api.Trigger) error {
	if e.queue != nil {
		task := taskqueue.Task{
			CampaignID: t.CampaignID,
			CustomerID: t.CustomerID,
			Reason:     t.Reason,
		}
		switch t.Kind {
		case api.TriggerEnter:
			task.Type = taskqueue.TaskEnter
		case api.TriggerExit:
			task.Type = taskqueue.TaskExit
		case api.TriggerCondition:
			task.Type = taskqueue.TaskCondition
		default:
			return fmt.Errorf("unknown trigger kind %q", t.Kind)
		}
		return e.queue.Enqueue(ctx, task)
	}

	return e.untilFree(ctx, func() error {
		switch t.Kind {
		case api.TriggerEnter:
			_, err := e.Enter(ctx, t.CampaignID, t.CustomerID)
			return err
		case api.TriggerExit:
			return e.Exit(ctx, t.CampaignID, t.CustomerID, t.Reason)
		case api.TriggerCondition:
			return e.checkPair(ctx, t.CampaignID, t.CustomerID)
		default:
			return fmt.Errorf("unknown trigger kind %q", t.Kind)
		}
	})
}

func (e *engineImpl) Enter(ctx context.Context, campaignID, customerID string) (res api.EntryResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.enter",
		attribute.String("campaign.id", campaignID),
		attribute.String("customer.id", customerID),
	)
	defer func() {
		span.SetAttributes(attribute.String("entry.outcome", string(res.Outcome)))
		endSpan(span, err)
	}()

	camp, err := e.p.Catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return api.EntryResult{}, err
	}
	switch camp.Status {
	case api.CampaignPaused:
		return api.EntryResult{Outcome: api.EntryPaused}, nil
	case api.CampaignScheduled, api.CampaignCancelled:
		return api.EntryResult{Outcome: api.EntryNotEligible}, nil
	}

	err = e.withPairLock(ctx, campaignID, customerID, func() error {
		var lerr error
		res, lerr = e.enterLocked(ctx, camp, customerID)
		return lerr
	})
	return res, err
}

func (e *engineImpl) enterLocked(ctx context.Context, camp *api.Campaign, customerID string) (api.EntryResult, error) {
	live, err := e.p.Instances.FindLive(ctx, camp.ID, customerID)
	if err == nil {
		return e.suppress(ctx, camp.ID, live), nil
	}
	if !errors.Is(err, persistence.ErrInstanceNotFound) {
		return api.EntryResult{}, err
	}

	if camp.Reentry != api.ReentryAfterTerminal {
		seen, err := e.p.Instances.HasInstance(ctx, camp.ID, customerID)
		if err != nil {
			return api.EntryResult{}, err
		}
		if seen {
			return api.EntryResult{Outcome: api.EntryNotEligible}, nil
		}
	}

	in, err := e.inAudience(ctx, camp, customerID)
	if err != nil {
		return api.EntryResult{}, err
	}
	if !in {
		return api.EntryResult{Outcome: api.EntryNotEligible}, nil
	}

	def, err := e.definition(ctx, camp.DefinitionID, camp.DefinitionVersion)
	if err != nil {
		return api.EntryResult{}, err
	}

	now := e.clock.Now()
	inst := &api.WorkflowInstance{
		ID:                uuid.NewString(),
		CampaignID:        camp.ID,
		CustomerID:        customerID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		CurrentStep:       def.Entry,
		Status:            api.StatusActive,
		Visit:             1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.p.Instances.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, persistence.ErrDuplicateInstance) {
			// Lost a race with an engine that ignored our lock (expired TTL).
			if live, ferr := e.p.Instances.FindLive(ctx, camp.ID, customerID); ferr == nil {
				return e.suppress(ctx, camp.ID, live), nil
			}
			return api.EntryResult{Outcome: api.EntrySuppressed}, nil
		}
		return api.EntryResult{}, fmt.Errorf("create instance: %w", err)
	}

	e.record(ctx, inst, api.HistoryInstanceCreated, def.Entry, fmt.Sprintf("%s@%d", def.ID, def.Version))
	e.observer.OnInstanceCreated(ctx, inst)

	if err := e.run(ctx, inst, def); err != nil {
		return api.EntryResult{Outcome: api.EntryCreated, Instance: inst.Clone()}, err
	}
	return api.EntryResult{Outcome: api.EntryCreated, Instance: inst.Clone()}, nil
}

func (e *engineImpl) suppress(ctx context.Context, campaignID string, live *api.WorkflowInstance) api.EntryResult {
	e.mu.Lock()
	e.suppressed[campaignID]++
	e.mu.Unlock()

	e.record(ctx, live, api.HistoryEntrySuppressed, live.CurrentStep, "")
	e.observer.OnEntrySuppressed(ctx, campaignID, live.CustomerID)
	return api.EntryResult{Outcome: api.EntrySuppressed, Instance: live}
}

// Exit ends the live instance of the pair. A pair without a live instance
// is left alone.
func (e *engineImpl) Exit(ctx context.Context, campaignID, customerID, reason string) error {
	if reason == "" {
		reason = api.ReasonExitEvent
	}
	return e.withPairLock(ctx, campaignID, customerID, func() error {
		inst, err := e.p.Instances.FindLive(ctx, campaignID, customerID)
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return e.finish(ctx, inst, api.StatusExited, reason)
	})
}

// checkPair re-checks the until-wait of the pair's live instance, if any.
func (e *engineImpl) checkPair(ctx context.Context, campaignID, customerID string) error {
	inst, err := e.p.Instances.FindLive(ctx, campaignID, customerID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !inst.AwaitingCondition {
		return nil
	}
	return e.CheckCondition(ctx, inst.ID)
}

// finish moves inst to a terminal status and cancels its timer.
func (e *engineImpl) finish(ctx context.Context, inst *api.WorkflowInstance, status api.Status, reason string) error {
	inst.Status = status
	inst.ExitReason = reason
	inst.ResumeAt = zeroTime
	inst.AwaitingCondition = false
	inst.PendingToken = ""
	if err := e.save(ctx, inst); err != nil {
		return err
	}
	if err := e.timers.Cancel(ctx, inst.ID); err != nil {
		e.logger.Warn("timer_cancel_failed", slog.String("instance_id", inst.ID), slog.Any("error", err))
	}

	if status == api.StatusCompleted {
		e.record(ctx, inst, api.HistoryInstanceCompleted, inst.CurrentStep, reason)
		e.observer.OnInstanceCompleted(ctx, inst)
		return nil
	}
	e.record(ctx, inst, api.HistoryInstanceExited, inst.CurrentStep, reason)
	e.observer.OnInstanceExited(ctx, inst, reason)
	return nil
}

// fail moves inst to FAILED. The failure is part of the instance, so fail
// itself only returns storage errors.
func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, cause error) error {
	inst.Status = api.StatusFailed
	inst.LastError = cause.Error()
	inst.ResumeAt = zeroTime
	inst.AwaitingCondition = false
	inst.PendingToken = ""
	if err := e.save(ctx, inst); err != nil {
		return err
	}
	if err := e.timers.Cancel(ctx, inst.ID); err != nil {
		e.logger.Warn("timer_cancel_failed", slog.String("instance_id", inst.ID), slog.Any("error", err))
	}
	e.record(ctx, inst, api.HistoryInstanceFailed, inst.CurrentStep, cause.Error())
	e.observer.OnInstanceFailed(ctx, inst, cause)
	return nil
}
