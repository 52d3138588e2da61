package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts callbacks to verify fan-out behavior.
type testObserver struct {
	NoopObserver
	mu sync.Mutex

	created    int
	completed  int
	exited     int
	failed     int
	deliveries int
	suppressed int

	lastReason string
	lastErr    error
}

func (o *testObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *testObserver) OnInstanceExited(ctx context.Context, inst *WorkflowInstance, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exited++
	o.lastReason = reason
}

func (o *testObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
	o.lastErr = err
}

func (o *testObserver) OnDelivery(ctx context.Context, inst *WorkflowInstance, req DeliveryRequest, res DeliveryResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries++
}

func (o *testObserver) OnEntrySuppressed(ctx context.Context, campaignID, customerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suppressed++
}

func TestNewCompositeObserver_FiltersNil(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for empty input")
	}
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for nil-only input")
	}

	single := &testObserver{}
	if got := NewCompositeObserver(nil, single); got != Observer(single) {
		t.Fatalf("expected single observer to be returned unwrapped")
	}
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := &testObserver{}, &testObserver{}
	obs := NewCompositeObserver(a, b)

	ctx := context.Background()
	inst := &WorkflowInstance{ID: "i-1", CampaignID: "c-1"}
	boom := errors.New("boom")

	obs.OnInstanceCreated(ctx, inst)
	obs.OnInstanceCompleted(ctx, inst)
	obs.OnInstanceExited(ctx, inst, ReasonSegmentExit)
	obs.OnInstanceFailed(ctx, inst, boom)
	obs.OnDelivery(ctx, inst, DeliveryRequest{}, DeliveryResult{Status: DeliverySent})
	obs.OnEntrySuppressed(ctx, "c-1", "u-1")

	for name, o := range map[string]*testObserver{"a": a, "b": b} {
		if o.created != 1 || o.completed != 1 || o.exited != 1 || o.failed != 1 || o.deliveries != 1 || o.suppressed != 1 {
			t.Fatalf("%s: unexpected counts %+v", name, o)
		}
		if o.lastReason != ReasonSegmentExit {
			t.Fatalf("%s: expected reason %q, got %q", name, ReasonSegmentExit, o.lastReason)
		}
		if !errors.Is(o.lastErr, boom) {
			t.Fatalf("%s: expected error to be forwarded", name)
		}
	}
}

func TestLoggingObserver_WritesEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggingObserver(logger)

	ctx := context.Background()
	inst := &WorkflowInstance{ID: "i-1", CampaignID: "c-1", CustomerID: "u-1"}
	obs.OnInstanceCreated(ctx, inst)
	obs.OnStepCompleted(ctx, inst, Step{ID: "email", Kind: StepSend}, errors.New("gateway down"), time.Millisecond)
	obs.OnDelivery(ctx, inst, DeliveryRequest{Channel: "email"}, DeliveryResult{Status: DeliveryFailed, Reason: "timeout"})

	out := buf.String()
	for _, want := range []string{"instance_created", "step_completed", "level=ERROR", "delivery", "level=WARN", "reason=timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	inst := &WorkflowInstance{ID: "i-1"}

	m.OnInstanceCreated(ctx, inst)
	m.OnInstanceCreated(ctx, inst)
	m.OnInstanceCreated(ctx, inst)
	m.OnInstanceCompleted(ctx, inst)
	m.OnInstanceExited(ctx, inst, ReasonSegmentExit)
	m.OnStepCompleted(ctx, inst, Step{ID: "a"}, nil, 10*time.Millisecond)
	m.OnStepCompleted(ctx, inst, Step{ID: "b"}, nil, 30*time.Millisecond)
	m.OnStepCompleted(ctx, inst, Step{ID: "c"}, errors.New("x"), time.Second)
	m.OnDelivery(ctx, inst, DeliveryRequest{}, DeliveryResult{Status: DeliverySent})
	m.OnDelivery(ctx, inst, DeliveryRequest{}, DeliveryResult{Status: DeliveryDuplicate})
	m.OnDelivery(ctx, inst, DeliveryRequest{}, DeliveryResult{Status: DeliveryFailed})
	m.OnEntrySuppressed(ctx, "c", "u")

	snap := m.Snapshot()
	if snap.InstancesCreated != 3 || snap.InstancesCompleted != 1 || snap.InstancesExited != 1 {
		t.Fatalf("unexpected instance counters: %+v", snap)
	}
	if snap.LiveInstances != 1 {
		t.Fatalf("expected 1 live instance, got %d", snap.LiveInstances)
	}
	if snap.Deliveries != 1 || snap.DeliveryFailures != 1 {
		t.Fatalf("unexpected delivery counters: %+v", snap)
	}
	if snap.DuplicatesSuppressed != 1 {
		t.Fatalf("expected 1 suppressed duplicate, got %d", snap.DuplicatesSuppressed)
	}
	if snap.StepsCompleted != 2 || snap.AvgStepDuration != 20*time.Millisecond {
		t.Fatalf("unexpected step stats: %+v", snap)
	}
}
