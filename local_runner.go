package drip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/drip/internal/dispatch"
	"github.com/petrijr/drip/internal/engine"
	"github.com/petrijr/drip/internal/ingest"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/pkg/api"
	"github.com/petrijr/drip/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, the
// ingestion pipeline, a Worker and a logging gateway on a manual clock, for
// local development, tests and simulations.
//
// Time only moves through Advance. Typical usage:
//
//	runner, _ := drip.NewLocalRunner()
//	_, _ = drip.New("winback").Send(...).Done("done").Launch(ctx, runner.Engine, "Win back", drip.InactiveDays(30))
//	_, _ = runner.Ingest(ctx, drip.Event{CustomerID: "c-1", Type: drip.EventPurchase, Timestamp: then})
//	_ = runner.Drain(ctx)
//	_, _ = runner.Advance(ctx, 72*time.Hour)
//	sent := runner.Deliveries("c-1")
//
// Drain processes queued tasks synchronously; StartWorkers processes them
// in the background instead. Use one or the other.
type LocalRunner struct {
	// Engine is the in-memory campaign engine used by this runner.
	Engine Engine

	// Clock is the runner's manual clock.
	Clock *ManualClock

	// Worker processes queued tasks using Engine.
	Worker *worker.Worker

	pipeline *ingest.Pipeline
	queue    *taskqueue.InMemoryQueue
	sent     *dispatch.LogChannel
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner whose clock starts at the current
// time truncated to the second. WithClock is ignored; set Clock instead.
func NewLocalRunner(opts ...Option) (*LocalRunner, error) {
	cfg := configure(persistence.NewInMemory(), nil, opts)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clock := api.NewManualClock(time.Now().UTC().Truncate(time.Second))
	sent := dispatch.NewLogChannel(cfg.Logger, clock)
	q := taskqueue.NewInMemoryQueue(0)

	cfg.Clock = clock
	cfg.Gateway = sent
	cfg.Queue = q
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	pl, err := ingest.New(ingest.Config{Persistence: cfg.Persistence, Sink: eng, Clock: clock, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	return &LocalRunner{
		Engine:   eng,
		Clock:    clock,
		Worker:   worker.NewWithConfig(eng, q, worker.Config{Logger: cfg.Logger}),
		pipeline: pl,
		queue:    q,
		sent:     sent,
		logger:   cfg.Logger,
	}, nil
}

// Ingest feeds one customer event through the pipeline. Resulting work is
// queued; call Drain or run workers to apply it.
func (r *LocalRunner) Ingest(ctx context.Context, ev Event) (Ack, error) {
	return r.pipeline.Ingest(ctx, ev)
}

// Suppress unsubscribes a customer.
func (r *LocalRunner) Suppress(ctx context.Context, customerID string) (Ack, error) {
	return r.pipeline.Suppress(ctx, customerID)
}

// Sweep re-evaluates every customer at the current clock time.
func (r *LocalRunner) Sweep(ctx context.Context) (int, error) {
	return r.pipeline.Sweep(ctx, r.Clock.Now())
}

// Drain processes queued tasks until the queue is empty and returns how
// many were processed. Task failures are collected, not fatal.
func (r *LocalRunner) Drain(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for r.queue.Len() > 0 {
		processed, err := r.Worker.ProcessOne(ctx)
		if !processed {
			return n, err
		}
		n++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Advance moves the clock by d, starts scheduled campaigns that became
// due, fires every timer that became due and drains the resulting work. It
// returns the number of timers fired.
func (r *LocalRunner) Advance(ctx context.Context, d time.Duration) (int, error) {
	now := r.Clock.Advance(d)
	if _, err := r.Engine.StartDueCampaigns(ctx, now); err != nil {
		return 0, err
	}
	fired, err := r.Engine.FireDueTimers(ctx, now)
	if err != nil {
		return fired, err
	}
	_, err = r.Drain(ctx)
	return fired, err
}

// Deliveries returns the messages sent to one customer, or to everyone when
// customerID is empty.
func (r *LocalRunner) Deliveries(customerID string) []DeliveryRequest {
	if customerID == "" {
		return r.sent.Sent()
	}
	return r.sent.SentTo(customerID)
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("drip: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := worker.RunPool(ctx, r.Worker, concurrency); err != nil {
			r.logger.Error("local_runner_stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
