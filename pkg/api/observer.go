package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceCreated is called once when an entry creates an instance.
	OnInstanceCreated(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceCompleted is called when an instance reaches an Exit{done}.
	OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceExited is called when an instance is terminated early or
	// reaches an exit step with a reason other than done.
	OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string)

	// OnInstanceFailed is called when an instance transitions to
	// StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called before a step is executed.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step)

	// OnStepCompleted is called after a step ran, for both successes and
	// failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, duration time.Duration)

	// OnDelivery is called with every gateway outcome.
	OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult)

	// OnEntrySuppressed is called when an entry hits a live instance.
	OnEntrySuppressed(ctx context.Context, campaignID, customerID string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance)   {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string) {
}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step)      {}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
}
func (NoopObserver) OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult) {
}
func (NoopObserver) OnEntrySuppressed(ctx context.Context, campaignID, customerID string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCreated(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string) {
	for _, o := range c.observers {
		o.OnInstanceExited(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, step, err, d)
	}
}

func (c *CompositeObserver) OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult) {
	for _, o := range c.observers {
		o.OnDelivery(ctx, inst, req, res)
	}
}

func (c *CompositeObserver) OnEntrySuppressed(ctx context.Context, campaignID, customerID string) {
	for _, o := range c.observers {
		o.OnEntrySuppressed(ctx, campaignID, customerID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_created",
		slog.String("campaign_id", inst.CampaignID),
		slog.String("customer_id", inst.CustomerID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("campaign_id", inst.CampaignID),
		slog.String("instance_id", inst.ID),
		slog.Int("deliveries", inst.Deliveries),
	)
}

func (o *LoggingObserver) OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string) {
	o.Logger.InfoContext(ctx, "instance_exited",
		slog.String("campaign_id", inst.CampaignID),
		slog.String("instance_id", inst.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("campaign_id", inst.CampaignID),
		slog.String("instance_id", inst.ID),
		slog.String("step", inst.CurrentStep),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.String("kind", string(step.Kind)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.String("kind", string(step.Kind)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult) {
	level := slog.LevelInfo
	if res.Status == DeliveryFailed {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "delivery",
		slog.String("instance_id", inst.ID),
		slog.String("channel", req.Channel),
		slog.String("token", req.IdempotencyToken),
		slog.String("status", string(res.Status)),
		slog.String("reason", res.Reason),
	)
}

func (o *LoggingObserver) OnEntrySuppressed(ctx context.Context, campaignID, customerID string) {
	o.Logger.DebugContext(ctx, "entry_suppressed",
		slog.String("campaign_id", campaignID),
		slog.String("customer_id", customerID),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesCreated     atomic.Int64
	instancesCompleted   atomic.Int64
	instancesExited      atomic.Int64
	instancesFailed      atomic.Int64
	deliveries           atomic.Int64
	deliveryFailures     atomic.Int64
	duplicatesSuppressed atomic.Int64
	stepsCompleted       atomic.Int64
	totalStepDuration    atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesCreated   int64
	InstancesCompleted int64
	InstancesExited    int64
	InstancesFailed    int64
	LiveInstances      int64

	Deliveries           int64
	DeliveryFailures     int64
	DuplicatesSuppressed int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	m.instancesCreated.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string) {
	m.instancesExited.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult) {
	switch res.Status {
	case DeliverySent:
		m.deliveries.Add(1)
	case DeliveryFailed:
		m.deliveryFailures.Add(1)
	}
}

func (m *BasicMetrics) OnEntrySuppressed(ctx context.Context, campaignID, customerID string) {
	m.duplicatesSuppressed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	created := m.instancesCreated.Load()
	completed := m.instancesCompleted.Load()
	exited := m.instancesExited.Load()
	failed := m.instancesFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		InstancesCreated:     created,
		InstancesCompleted:   completed,
		InstancesExited:      exited,
		InstancesFailed:      failed,
		LiveInstances:        created - completed - exited - failed,
		Deliveries:           m.deliveries.Load(),
		DeliveryFailures:     m.deliveryFailures.Load(),
		DuplicatesSuppressed: m.duplicatesSuppressed.Load(),
		StepsCompleted:       steps,
		AvgStepDuration:      avg,
	}
}
