// Package telemetry exports engine activity as OpenTelemetry metrics and
// traces.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/drip/pkg/api"
)

// ScopeName is the instrumentation scope of drip's meters and tracers.
const ScopeName = "github.com/petrijr/drip"

// Observer records engine events on OpenTelemetry instruments.
//
// Instruments:
//   - drip.instances.created (counter): campaign_id
//   - drip.instances.finished (counter): campaign_id, status, reason
//   - drip.step.duration (histogram, seconds): kind, status
//   - drip.deliveries (counter): channel, status
//   - drip.entries.suppressed (counter): campaign_id
type Observer struct {
	api.NoopObserver

	created    metric.Int64Counter
	finished   metric.Int64Counter
	stepTime   metric.Float64Histogram
	deliveries metric.Int64Counter
	suppressed metric.Int64Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver uses the global MeterProvider.
func NewObserver() *Observer {
	return NewObserverWithMeter(otel.Meter(ScopeName))
}

// NewObserverWithMeter creates the instruments on meter. Instrument
// creation errors fall back to noop instruments.
func NewObserverWithMeter(meter metric.Meter) *Observer {
	o := &Observer{}
	o.created, _ = meter.Int64Counter("drip.instances.created",
		metric.WithDescription("Workflow instances created"),
		metric.WithUnit("{instance}"),
	)
	o.finished, _ = meter.Int64Counter("drip.instances.finished",
		metric.WithDescription("Workflow instances that reached a terminal state"),
		metric.WithUnit("{instance}"),
	)
	o.stepTime, _ = meter.Float64Histogram("drip.step.duration",
		metric.WithDescription("Duration of one workflow step in seconds"),
		metric.WithUnit("s"),
	)
	o.deliveries, _ = meter.Int64Counter("drip.deliveries",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{message}"),
	)
	o.suppressed, _ = meter.Int64Counter("drip.entries.suppressed",
		metric.WithDescription("Entries suppressed because the pair already had a live instance"),
		metric.WithUnit("{entry}"),
	)
	return o
}

func (o *Observer) OnInstanceCreated(ctx context.Context, inst *api.WorkflowInstance) {
	o.created.Add(ctx, 1, metric.WithAttributes(attribute.String("campaign_id", inst.CampaignID)))
}

func (o *Observer) OnInstanceCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.finish(ctx, inst, api.StatusCompleted, inst.ExitReason)
}

func (o *Observer) OnInstanceExited(ctx context.Context, inst *api.WorkflowInstance, reason string) {
	o.finish(ctx, inst, api.StatusExited, reason)
}

func (o *Observer) OnInstanceFailed(ctx context.Context, inst *api.WorkflowInstance, _ error) {
	o.finish(ctx, inst, api.StatusFailed, "")
}

func (o *Observer) finish(ctx context.Context, inst *api.WorkflowInstance, status api.Status, reason string) {
	o.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("campaign_id", inst.CampaignID),
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	))
}

func (o *Observer) OnStepCompleted(ctx context.Context, _ *api.WorkflowInstance, step api.Step, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.stepTime.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(step.Kind)),
		attribute.String("status", status),
	))
}

func (o *Observer) OnDelivery(ctx context.Context, _ *api.WorkflowInstance, req api.DeliveryRequest, res api.DeliveryResult) {
	o.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("status", string(res.Status)),
	))
}

func (o *Observer) OnEntrySuppressed(ctx context.Context, campaignID, _ string) {
	o.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("campaign_id", campaignID)))
}
