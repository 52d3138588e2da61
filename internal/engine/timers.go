package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/internal/timer"
	"github.com/petrijr/drip/pkg/api"
)

// lockedInstance loads the instance, takes its pair lock and hands fn a
// fresh copy read under the lock. Instances of a paused campaign are left
// alone; those of a cancelled campaign are exited.
func (e *engineImpl) lockedInstance(ctx context.Context, id string, fn func(inst *api.WorkflowInstance, camp *api.Campaign) error) error {
	inst, err := e.p.Instances.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return e.withPairLock(ctx, inst.CampaignID, inst.CustomerID, func() error {
		fresh, err := e.p.Instances.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			return nil
		}
		camp, err := e.p.Catalog.GetCampaign(ctx, fresh.CampaignID)
		if err != nil {
			return err
		}
		switch camp.Status {
		case api.CampaignPaused:
			e.logger.Debug("campaign_paused_skip", slog.String("instance_id", id))
			return nil
		case api.CampaignCancelled:
			reason := camp.CancelReason
			if reason == "" {
				reason = api.ReasonCancelled
			}
			return e.finish(ctx, fresh, api.StatusExited, reason)
		}
		return fn(fresh, camp)
	})
}

// Advance runs an ACTIVE instance whose retry backoff, if any, is due. The
// instance is re-checked against its campaign first.
func (e *engineImpl) Advance(ctx context.Context, instanceID string) (err error) {
	ctx, span := e.startSpan(ctx, "engine.advance", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	return e.lockedInstance(ctx, instanceID, func(inst *api.WorkflowInstance, camp *api.Campaign) error {
		if inst.Status != api.StatusActive {
			return nil
		}
		if !inst.ResumeAt.IsZero() {
			if inst.ResumeAt.After(e.clock.Now()) {
				return nil
			}
			inst.ResumeAt = zeroTime
		}
		def, err := e.definition(ctx, inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			return err
		}
		reason, err := e.exitReason(ctx, camp, inst, def)
		if err != nil {
			return err
		}
		if reason != "" {
			return e.finish(ctx, inst, api.StatusExited, reason)
		}
		return e.run(ctx, inst, def)
	})
}

// FireTimer resumes an instance whose timer armed for at has expired. A
// fire for a terminal instance, for a timer that was re-armed or cancelled,
// or for a paused campaign does nothing. Before resuming, a wait or a retry
// backoff alike, the instance is re-checked against its campaign.
func (e *engineImpl) FireTimer(ctx context.Context, instanceID string, at time.Time) (err error) {
	ctx, span := e.startSpan(ctx, "engine.fire_timer", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	return e.lockedInstance(ctx, instanceID, func(inst *api.WorkflowInstance, camp *api.Campaign) error {
		if inst.ResumeAt.IsZero() || !inst.ResumeAt.Equal(at) {
			e.logger.Debug("timer_stale",
				slog.String("instance_id", instanceID),
				slog.Time("at", at),
				slog.Time("resume_at", inst.ResumeAt),
			)
			return nil
		}
		e.record(ctx, inst, api.HistoryTimerFired, inst.CurrentStep, at.Format(time.RFC3339))

		def, err := e.definition(ctx, inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			return err
		}

		reason, err := e.exitReason(ctx, camp, inst, def)
		if err != nil {
			return err
		}
		if reason != "" {
			return e.finish(ctx, inst, api.StatusExited, reason)
		}

		if inst.Status == api.StatusActive {
			inst.ResumeAt = zeroTime
			return e.run(ctx, inst, def)
		}

		step, ok := def.Step(inst.CurrentStep)
		if !ok || step.Wait == nil {
			return e.fail(ctx, inst, fmt.Errorf("waiting at %q, which is not a wait step", inst.CurrentStep))
		}
		next := step.Next
		if inst.AwaitingCondition && step.Wait.TimeoutNext != "" {
			next = step.Wait.TimeoutNext
		}
		inst.Status = api.StatusActive
		if err := e.moveTo(ctx, inst, next); err != nil {
			return err
		}
		return e.run(ctx, inst, def)
	})
}

// CheckCondition resumes an until-wait whose condition holds now. The
// audience is re-validated first.
func (e *engineImpl) CheckCondition(ctx context.Context, instanceID string) (err error) {
	ctx, span := e.startSpan(ctx, "engine.check_condition", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	return e.lockedInstance(ctx, instanceID, func(inst *api.WorkflowInstance, camp *api.Campaign) error {
		if inst.Status != api.StatusWaiting || !inst.AwaitingCondition {
			return nil
		}
		def, err := e.definition(ctx, inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			return err
		}
		reason, err := e.exitReason(ctx, camp, inst, def)
		if err != nil {
			return err
		}
		if reason != "" {
			return e.finish(ctx, inst, api.StatusExited, reason)
		}
		step, ok := def.Step(inst.CurrentStep)
		if !ok || step.Wait == nil || step.Wait.Condition == nil {
			return e.fail(ctx, inst, fmt.Errorf("awaiting a condition at %q, which has none", inst.CurrentStep))
		}
		met, err := e.holds(ctx, inst, *step.Wait.Condition)
		if err != nil || !met {
			return err
		}

		if err := e.timers.Cancel(ctx, inst.ID); err != nil {
			return fmt.Errorf("cancel timer of %s: %w", inst.ID, err)
		}
		e.record(ctx, inst, api.HistoryConditionMet, step.ID, "")
		inst.Status = api.StatusActive
		if err := e.moveTo(ctx, inst, step.Next); err != nil {
			return err
		}
		return e.run(ctx, inst, def)
	})
}

// FireDueTimers pops every timer due at now. With a queue each becomes a
// timer task; otherwise it fires inline. A timer that could not be handled
// is armed again, so it fires on a later poll.
func (e *engineImpl) FireDueTimers(ctx context.Context, now time.Time) (int, error) {
	var (
		fired int
		rearm []timer.Entry
		errs  []error
	)
	for {
		due, err := e.timers.PopDue(ctx, now, e.timerBatch)
		if err != nil {
			return fired, fmt.Errorf("pop due timers: %w", err)
		}
		for _, en := range due {
			fired++
			if e.queue != nil {
				err := e.queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTimer, InstanceID: en.InstanceID, FireAt: en.At})
				if err != nil {
					errs = append(errs, err)
					rearm = append(rearm, en)
				}
				continue
			}
			err := e.FireTimer(ctx, en.InstanceID, en.At)
			switch {
			case err == nil:
			case errors.Is(err, api.ErrInstanceBusy):
				rearm = append(rearm, en)
			case errors.Is(err, persistence.ErrInstanceNotFound):
				e.logger.Warn("timer_orphaned", slog.String("instance_id", en.InstanceID))
			default:
				e.logger.Error("timer_fire_failed", slog.String("instance_id", en.InstanceID), slog.Any("error", err))
				errs = append(errs, err)
				rearm = append(rearm, en)
			}
		}
		if len(due) < e.timerBatch {
			break
		}
	}

	// Put back what could not be handled, unless the instance armed a new
	// timer in the meantime.
	for _, en := range rearm {
		fired--
		if _, pending, err := e.timers.Pending(ctx, en.InstanceID); err == nil && pending {
			continue
		}
		if err := e.timers.Arm(ctx, en.InstanceID, en.At); err != nil {
			errs = append(errs, err)
		}
	}
	return fired, errors.Join(errs...)
}

// Recover restores scheduling after a restart: timers are re-armed from
// the persisted ResumeAt and active instances are resumed. A pending send
// reuses its persisted token.
func (e *engineImpl) Recover(ctx context.Context) error {
	live, err := e.p.Instances.ListInstances(ctx, api.InstanceFilter{Live: true})
	if err != nil {
		return fmt.Errorf("list live instances: %w", err)
	}
	var errs []error
	armed, resumed := 0, 0
	for _, inst := range live {
		if !inst.ResumeAt.IsZero() {
			armed++
		} else {
			resumed++
		}
		if err := e.reschedule(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("engine_recovered", slog.Int("timers_armed", armed), slog.Int("instances_resumed", resumed))
	return errors.Join(errs...)
}

// reschedule re-arms the instance's timer, or restarts it if it is active
// without one.
func (e *engineImpl) reschedule(ctx context.Context, inst *api.WorkflowInstance) error {
	if !inst.ResumeAt.IsZero() {
		return e.timers.Arm(ctx, inst.ID, inst.ResumeAt)
	}
	if inst.Status != api.StatusActive {
		return nil
	}
	if e.queue != nil {
		return e.queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskAdvance, InstanceID: inst.ID})
	}
	if err := e.Advance(ctx, inst.ID); err != nil && !errors.Is(err, api.ErrInstanceBusy) {
		return err
	}
	return nil
}
