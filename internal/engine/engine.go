// Package engine runs campaign workflow instances.
//
// Every mutation of an instance happens under the advisory lock of its
// (campaign, customer) pair. Callers that find the pair busy get
// api.ErrInstanceBusy and retry later.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/drip/internal/abtest"
	"github.com/petrijr/drip/internal/dispatch"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/segment"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/internal/timer"
	"github.com/petrijr/drip/pkg/api"
)

const tracerName = "github.com/petrijr/drip/internal/engine"

// maxStepsPerRun bounds one run of consecutive non-blocking steps. Valid
// definitions never reach it because every cycle passes through a wait.
const maxStepsPerRun = 1000

// Backoff of inline callers that find a pair busy.
const (
	busyRetryDelay    = 5 * time.Millisecond
	maxBusyRetryDelay = time.Second
)

// Config describes how to construct an engine. Only Persistence and
// Gateway are required.
type Config struct {
	Persistence persistence.Persistence
	// Gateway delivers messages. The engine wraps it with the dedup ledger.
	Gateway api.Gateway
	Timer   timer.Timer
	// Queue receives proposals and due timers. Without a queue the engine
	// does the work inline.
	Queue    taskqueue.Queue
	Clock    api.Clock
	Observer api.Observer
	Logger   *slog.Logger
	Tracer   trace.Tracer

	Allocator abtest.Allocator
	// Owner identifies this engine in pair locks. Defaults to a random id.
	Owner           string
	LockTTL         time.Duration
	DispatchTimeout time.Duration
	// Retry applies to send steps without their own policy.
	Retry      api.RetryPolicy
	TimerBatch int
}

// engineImpl is the lock-per-pair engine. It keeps no instance state in
// memory; everything is re-read from the stores under the pair lock.
type engineImpl struct {
	p        persistence.Persistence
	gateway  *dispatch.Dedup
	timers   timer.Timer
	queue    taskqueue.Queue
	clock    api.Clock
	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	segments *segment.Evaluator
	alloc    abtest.Allocator

	owner           string
	lockSeq         atomic.Uint64
	lockTTL         time.Duration
	dispatchTimeout time.Duration
	retry           api.RetryPolicy
	timerBatch      int

	definitions sync.Map // versionKey -> api.WorkflowDefinition

	mu         sync.Mutex
	suppressed map[string]int64
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an engine from cfg.
func New(cfg Config) (api.Engine, error) {
	return newEngine(cfg)
}

func newEngine(cfg Config) (*engineImpl, error) {
	if err := cfg.Persistence.Validate(); err != nil {
		return nil, err
	}
	if cfg.Gateway == nil {
		return nil, errors.New("engine: gateway is required")
	}

	e := &engineImpl{
		p:               cfg.Persistence,
		timers:          cfg.Timer,
		queue:           cfg.Queue,
		clock:           cfg.Clock,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		alloc:           cfg.Allocator,
		owner:           cfg.Owner,
		lockTTL:         cfg.LockTTL,
		dispatchTimeout: cfg.DispatchTimeout,
		retry:           cfg.Retry,
		timerBatch:      cfg.TimerBatch,
		suppressed:      make(map[string]int64),
	}
	if e.timers == nil {
		e.timers = timer.NewHeap()
	}
	if e.clock == nil {
		e.clock = api.SystemClock{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.owner == "" {
		e.owner = uuid.NewString()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 30 * time.Second
	}
	if e.dispatchTimeout <= 0 {
		e.dispatchTimeout = 10 * time.Second
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry = api.DefaultRetryPolicy()
	}
	if e.timerBatch <= 0 {
		e.timerBatch = 256
	}
	e.segments = segment.NewEvaluator(e.logger)
	e.gateway = dispatch.NewDedup(cfg.Gateway, cfg.Persistence.Ledger, e.clock)
	return e, nil
}

// Token is the idempotency token of a send: one per instance, step, visit
// and attempt.
func Token(inst *api.WorkflowInstance, stepID string) string {
	return fmt.Sprintf("%s:%s:v%d:a%d", inst.ID, stepID, inst.Visit, inst.Attempt)
}

func lockKey(campaignID, customerID string) string {
	return "pair:" + campaignID + ":" + customerID
}

// withPairLock runs fn while holding the pair lock. Each acquisition uses
// its own owner token, so two goroutines of one engine exclude each other.
func (e *engineImpl) withPairLock(ctx context.Context, campaignID, customerID string, fn func() error) error {
	key := lockKey(campaignID, customerID)
	owner := fmt.Sprintf("%s/%d", e.owner, e.lockSeq.Add(1))

	ok, err := e.p.Locks.TryAcquire(ctx, key, owner, e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return api.ErrInstanceBusy
	}
	defer func() {
		if err := e.p.Locks.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			e.logger.Warn("lock_release_failed", slog.String("key", key), slog.Any("error", err))
		}
	}()
	return fn()
}

func (e *engineImpl) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, api.ErrInstanceBusy) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *engineImpl) definition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	key := fmt.Sprintf("%s@%d", id, version)
	if def, ok := e.definitions.Load(key); ok {
		return def.(api.WorkflowDefinition), nil
	}
	def, err := e.p.Catalog.GetDefinition(ctx, id, version)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	e.definitions.Store(key, def)
	return def, nil
}

// inAudience reports whether the customer currently belongs to the
// campaign audience.
func (e *engineImpl) inAudience(ctx context.Context, camp *api.Campaign, customerID string) (bool, error) {
	snap, err := e.p.Traits.GetTraits(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("load traits of %s: %w", customerID, err)
	}
	return e.segments.Evaluate(camp.Audience(), snap, e.clock.Now()), nil
}

// exitReason re-checks a live instance against its campaign: the customer
// must still be in the audience and must not have sent one of the
// definition's exit events since the instance was created. It returns the
// exit reason, or "" when the instance may continue.
func (e *engineImpl) exitReason(ctx context.Context, camp *api.Campaign, inst *api.WorkflowInstance, def api.WorkflowDefinition) (string, error) {
	snap, err := e.p.Traits.GetTraits(ctx, inst.CustomerID)
	if err != nil {
		return "", fmt.Errorf("load traits of %s: %w", inst.CustomerID, err)
	}
	if !e.segments.Evaluate(camp.Audience(), snap, e.clock.Now()) {
		return api.ReasonSegmentExit, nil
	}
	for _, typ := range def.ExitEvents {
		if v, ok := snap.Get(api.LastEventTrait(typ)); ok && v.Time.After(inst.CreatedAt) {
			return api.ReasonExitEvent, nil
		}
	}
	return "", nil
}

// untilFree calls fn until it stops reporting a busy pair, backing off
// between attempts for at most one lock TTL.
func (e *engineImpl) untilFree(ctx context.Context, fn func() error) error {
	delay := busyRetryDelay
	deadline := time.Now().Add(e.lockTTL)
	for {
		err := fn()
		if !errors.Is(err, api.ErrInstanceBusy) || time.Now().Add(delay).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(2*delay, maxBusyRetryDelay)
	}
}

func (e *engineImpl) save(ctx context.Context, inst *api.WorkflowInstance) error {
	inst.UpdatedAt = e.clock.Now()
	if err := e.p.Instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	return nil
}

// record appends a history event. History is an audit trail; a failed
// append is logged and does not abort the transition.
func (e *engineImpl) record(ctx context.Context, inst *api.WorkflowInstance, typ api.HistoryType, step, detail string) {
	ev := api.HistoryEvent{
		InstanceID: inst.ID,
		At:         e.clock.Now(),
		Type:       typ,
		Step:       step,
		Detail:     detail,
	}
	if err := e.p.History.AppendHistory(ctx, ev); err != nil {
		e.logger.Warn("history_append_failed",
			slog.String("instance_id", inst.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.p.Instances.GetInstance(ctx, id)
}

func (e *engineImpl) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return e.p.Instances.ListInstances(ctx, filter)
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	if _, err := e.p.Instances.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.p.History.ListHistory(ctx, instanceID)
}
