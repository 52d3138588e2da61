package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/pkg/api"
)

// ErrUnknownTask is returned for a task type the worker cannot handle.
var ErrUnknownTask = errors.New("unknown task type")

// Config tunes a Worker. Zero values select the defaults.
type Config struct {
	// RequeueDelay is how long a task that could not be applied waits
	// before its first retry. Each further retry doubles it. Default 500ms.
	RequeueDelay time.Duration

	// MaxRequeueDelay caps the doubled delay. Default 30s.
	MaxRequeueDelay time.Duration

	// TaskTimeout bounds a single engine call. Zero means no limit.
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and applies them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a Worker with the default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 500 * time.Millisecond
	}
	if cfg.MaxRequeueDelay <= 0 {
		cfg.MaxRequeueDelay = 30 * time.Second
	}
	cfg.MaxRequeueDelay = max(cfg.MaxRequeueDelay, cfg.RequeueDelay)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, cfg: cfg}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the Dequeue error
//     (usually context cancellation).
//   - processed == true: a task was handled; err reports a task that was
//     dropped or could not be re-queued.
//
// Tasks are never dropped for a busy pair or a transient failure: they are
// re-queued with a growing delay and count as processed without error. Only
// a task that can never succeed, such as one for a deleted instance, is
// dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.Handle(ctx, task)
	switch {
	case err == nil:
		return true, nil
	case permanent(err):
		return true, fmt.Errorf("task %s (%s) dropped: %w", task.ID, task.Type, err)
	case errors.Is(err, api.ErrInstanceBusy):
	case ctx.Err() != nil:
		// Shutting down mid-task; hand it back for the next process.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		return true, w.requeue(rctx, *task)
	default:
		w.cfg.Logger.Warn("task_retry",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.Int("attempts", task.Attempts+1),
			slog.Any("error", err),
		)
	}
	return true, w.requeue(ctx, *task)
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrUnknownTask) ||
		errors.Is(err, api.ErrInstanceNotFound) ||
		errors.Is(err, api.ErrCampaignNotFound) ||
		errors.Is(err, api.ErrInvalidDefinition)
}

// Handle applies one task to the engine.
func (w *Worker) Handle(ctx context.Context, task *taskqueue.Task) error {
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	switch task.Type {
	case taskqueue.TaskEnter:
		res, err := w.engine.Enter(ctx, task.CampaignID, task.CustomerID)
		if err != nil {
			return err
		}
		w.cfg.Logger.Debug("task_enter",
			slog.String("campaign_id", task.CampaignID),
			slog.String("customer_id", task.CustomerID),
			slog.String("outcome", string(res.Outcome)),
		)
		return nil

	case taskqueue.TaskExit:
		return w.engine.Exit(ctx, task.CampaignID, task.CustomerID, task.Reason)

	case taskqueue.TaskAdvance:
		return w.engine.Advance(ctx, task.InstanceID)

	case taskqueue.TaskTimer:
		return w.engine.FireTimer(ctx, task.InstanceID, task.FireAt)

	case taskqueue.TaskCondition:
		if task.InstanceID != "" {
			return w.engine.CheckCondition(ctx, task.InstanceID)
		}
		return w.checkPair(ctx, task.CampaignID, task.CustomerID)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTask, task.Type)
	}
}

// checkPair re-checks the condition of the pair's live until-wait, if any.
func (w *Worker) checkPair(ctx context.Context, campaignID, customerID string) error {
	insts, err := w.engine.ListInstances(ctx, api.InstanceFilter{
		CampaignID: campaignID,
		CustomerID: customerID,
		Live:       true,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range insts {
		if inst.Status != api.StatusWaiting || !inst.AwaitingCondition {
			continue
		}
		errs = append(errs, w.engine.CheckCondition(ctx, inst.ID))
	}
	return errors.Join(errs...)
}

func (w *Worker) requeue(ctx context.Context, task taskqueue.Task) error {
	task.Attempts++
	task.NotBefore = time.Now().Add(w.backoff(task.Attempts))
	if err := w.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	return nil
}

// backoff is the delay before the given retry: RequeueDelay doubled per
// earlier retry, capped at MaxRequeueDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.RequeueDelay
	for i := 1; i < attempt && d < w.cfg.MaxRequeueDelay; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxRequeueDelay)
}
