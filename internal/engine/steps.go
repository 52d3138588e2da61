package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/drip/internal/abtest"
	"github.com/petrijr/drip/internal/predicate"
	"github.com/petrijr/drip/pkg/api"
)

var zeroTime time.Time

// run executes consecutive steps of an ACTIVE instance until it blocks on
// a retry backoff or a wait, or reaches a terminal state. The caller holds
// the pair lock.
func (e *engineImpl) run(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition) (err error) {
	ctx, span := e.startSpan(ctx, "engine.run",
		attribute.String("instance.id", inst.ID),
		attribute.String("campaign.id", inst.CampaignID),
	)
	defer func() {
		span.SetAttributes(attribute.String("instance.status", string(inst.Status)))
		endSpan(span, err)
	}()

	for range maxStepsPerRun {
		if inst.Status != api.StatusActive || !inst.ResumeAt.IsZero() {
			return nil
		}
		step, ok := def.Step(inst.CurrentStep)
		if !ok {
			return e.fail(ctx, inst, fmt.Errorf("step %q not found in %s@%d", inst.CurrentStep, def.ID, def.Version))
		}

		start := time.Now()
		e.observer.OnStepStart(ctx, inst, step)
		e.record(ctx, inst, api.HistoryStepStarted, step.ID, string(step.Kind))

		var (
			cont    bool
			stepErr error
		)
		switch step.Kind {
		case api.StepSend:
			cont, stepErr = e.runSend(ctx, inst, step)
		case api.StepBranch:
			cont, stepErr = e.runBranch(ctx, inst, step)
		case api.StepWait:
			cont, stepErr = e.runWait(ctx, inst, step)
		case api.StepExit:
			status := api.StatusExited
			if step.Exit.Reason == api.ReasonDone {
				status = api.StatusCompleted
			}
			stepErr = e.finish(ctx, inst, status, step.Exit.Reason)
		default:
			stepErr = e.fail(ctx, inst, fmt.Errorf("step %q has unknown kind %q", step.ID, step.Kind))
		}
		e.observer.OnStepCompleted(ctx, inst, step, stepErr, time.Since(start))
		if stepErr != nil {
			return stepErr
		}
		if !cont {
			return nil
		}
	}
	return e.fail(ctx, inst, errors.New("step limit exceeded without reaching a wait"))
}

// moveTo follows an edge to next and persists the instance.
func (e *engineImpl) moveTo(ctx context.Context, inst *api.WorkflowInstance, next string) error {
	inst.CurrentStep = next
	inst.Visit++
	inst.Attempt = 0
	inst.PendingToken = ""
	inst.ResumeAt = zeroTime
	inst.AwaitingCondition = false
	return e.save(ctx, inst)
}

// runSend delivers the step's message. The token is persisted before the
// gateway call so a crash between the two replays the same token.
func (e *engineImpl) runSend(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (bool, error) {
	spec := step.Send
	if inst.PendingToken == "" {
		inst.PendingToken = Token(inst, step.ID)
		if err := e.save(ctx, inst); err != nil {
			return false, err
		}
	}

	req := api.DeliveryRequest{
		Channel:          spec.Channel,
		CustomerID:       inst.CustomerID,
		ContentRef:       spec.ContentRef,
		IdempotencyToken: inst.PendingToken,
		CampaignID:       inst.CampaignID,
		InstanceID:       inst.ID,
		StepID:           step.ID,
	}
	if len(spec.Variants) > 0 {
		v, err := e.variant(ctx, inst, step)
		if err != nil {
			return false, err
		}
		req.Variant = v.Label
		if v.ContentRef != "" {
			req.ContentRef = v.ContentRef
		}
	}
	e.record(ctx, inst, api.HistorySendAttempted, step.ID, req.IdempotencyToken)

	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	res, err := e.gateway.Deliver(dctx, req)
	cancel()
	if err != nil {
		res = api.DeliveryResult{Status: api.DeliveryFailed, Reason: err.Error(), At: e.clock.Now()}
	}
	e.observer.OnDelivery(ctx, inst, req, res)

	if !res.OK() {
		return false, e.sendFailed(ctx, inst, step, res)
	}
	if res.Status == api.DeliverySent {
		inst.Deliveries++
	}
	detail := string(res.Status) + " " + req.IdempotencyToken
	if req.Variant != "" {
		detail += " variant=" + req.Variant
	}
	e.record(ctx, inst, api.HistorySendSucceeded, step.ID, detail)
	return true, e.moveTo(ctx, inst, step.Next)
}

func (e *engineImpl) sendFailed(ctx context.Context, inst *api.WorkflowInstance, step api.Step, res api.DeliveryResult) error {
	policy := e.retry
	if step.Send.Retry != nil && step.Send.Retry.MaxAttempts > 0 {
		policy = *step.Send.Retry
	}

	inst.Attempt++
	inst.PendingToken = ""
	inst.LastError = res.Reason
	e.record(ctx, inst, api.HistorySendFailed, step.ID, "attempt "+strconv.Itoa(inst.Attempt)+": "+res.Reason)

	if inst.Attempt >= policy.MaxAttempts {
		return e.fail(ctx, inst, fmt.Errorf("send %s failed after %d attempts: %s", step.ID, inst.Attempt, res.Reason))
	}

	inst.ResumeAt = e.resumeAt(policy.Delay(inst.Attempt))
	if err := e.save(ctx, inst); err != nil {
		return err
	}
	e.logger.Info("send_retry_scheduled",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.Int("attempt", inst.Attempt),
		slog.Time("resume_at", inst.ResumeAt),
		slog.String("reason", res.Reason),
	)
	return e.timers.Arm(ctx, inst.ID, inst.ResumeAt)
}

// variant returns the persisted assignment of the send step, allocating
// and storing one on first use.
func (e *engineImpl) variant(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (api.Variant, error) {
	variants := step.Send.Variants
	label, ok, err := e.p.Assignments.GetAssignment(ctx, inst.ID, step.ID)
	if err != nil {
		return api.Variant{}, err
	}
	if !ok {
		label, err = e.alloc.Assign(abtest.Subject(inst.CampaignID, inst.CustomerID), step.ID, variants)
		if err != nil {
			return api.Variant{}, err
		}
		if label, err = e.p.Assignments.SaveAssignment(ctx, inst.ID, step.ID, label); err != nil {
			return api.Variant{}, err
		}
	}
	v, ok := abtest.Find(variants, label)
	if !ok {
		return api.Variant{}, fmt.Errorf("step %s: assigned variant %q no longer exists", step.ID, label)
	}
	return v, nil
}

func (e *engineImpl) runBranch(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (bool, error) {
	taken, err := e.holds(ctx, inst, step.Branch.Predicate)
	if err != nil {
		return false, err
	}
	next := step.Branch.FalseNext
	if taken {
		next = step.Branch.TrueNext
	}
	e.record(ctx, inst, api.HistoryBranchTaken, step.ID, strconv.FormatBool(taken)+" -> "+next)
	return true, e.moveTo(ctx, inst, next)
}

func (e *engineImpl) runWait(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (bool, error) {
	w := step.Wait
	switch w.Mode {
	case api.WaitUntil:
		met, err := e.holds(ctx, inst, *w.Condition)
		if err != nil {
			return false, err
		}
		if met {
			e.record(ctx, inst, api.HistoryConditionMet, step.ID, "")
			return true, e.moveTo(ctx, inst, step.Next)
		}
		inst.AwaitingCondition = true
		inst.ResumeAt = e.resumeAt(w.Timeout)
	default:
		inst.ResumeAt = e.resumeAt(w.Duration)
	}
	inst.Status = api.StatusWaiting
	if err := e.save(ctx, inst); err != nil {
		return false, err
	}
	if err := e.timers.Arm(ctx, inst.ID, inst.ResumeAt); err != nil {
		return false, fmt.Errorf("arm timer for %s: %w", inst.ID, err)
	}
	e.record(ctx, inst, api.HistoryWaitArmed, step.ID, inst.ResumeAt.Format(time.RFC3339))
	return false, nil
}

// holds evaluates p against the customer's current traits. Evaluation
// errors make the predicate false.
func (e *engineImpl) holds(ctx context.Context, inst *api.WorkflowInstance, p api.Predicate) (bool, error) {
	snap, err := e.p.Traits.GetTraits(ctx, inst.CustomerID)
	if err != nil {
		return false, fmt.Errorf("load traits of %s: %w", inst.CustomerID, err)
	}
	ok, err := predicate.Eval(p, snap, e.clock.Now())
	if err != nil {
		e.logger.Warn("predicate_eval_failed",
			slog.String("instance_id", inst.ID),
			slog.String("customer_id", inst.CustomerID),
			slog.Any("error", err),
		)
		return false, nil
	}
	return ok, nil
}

// resumeAt is now+d truncated to milliseconds, the resolution every timer
// backend keeps.
func (e *engineImpl) resumeAt(d time.Duration) time.Time {
	return e.clock.Now().Add(d).Truncate(time.Millisecond)
}
