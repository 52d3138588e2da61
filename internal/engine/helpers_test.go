package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/timer"
	"github.com/petrijr/drip/pkg/api"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedGateway fails the first n deliveries and sends the rest.
type scriptedGateway struct {
	mu       sync.Mutex
	failures int
	calls    []api.DeliveryRequest
}

func (g *scriptedGateway) Deliver(_ context.Context, req api.DeliveryRequest) (api.DeliveryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.failures != 0 {
		if g.failures > 0 {
			g.failures--
		}
		return api.DeliveryResult{Status: api.DeliveryFailed, Reason: "smtp unavailable"}, nil
	}
	return api.DeliveryResult{Status: api.DeliverySent, MessageID: "msg-" + req.IdempotencyToken}, nil
}

func (g *scriptedGateway) Calls() []api.DeliveryRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]api.DeliveryRequest(nil), g.calls...)
}

// flakyTraits fails GetTraits while down is set.
type flakyTraits struct {
	persistence.TraitStore
	down atomic.Bool
}

func (f *flakyTraits) GetTraits(ctx context.Context, customerID string) (api.Snapshot, error) {
	if f.down.Load() {
		return api.Snapshot{}, errors.New("trait store unavailable")
	}
	return f.TraitStore.GetTraits(ctx, customerID)
}

type harness struct {
	eng    *engineImpl
	p      persistence.Persistence
	clock  *api.ManualClock
	gw     *scriptedGateway
	timers *timer.Heap
}

type storeFactory func(t *testing.T) persistence.Persistence

func inMemoryStores(t *testing.T) persistence.Persistence {
	t.Helper()
	return persistence.NewInMemory()
}

func sqliteStores(t *testing.T) persistence.Persistence {
	t.Helper()
	return persistence.FromSQL(openSQLiteStore(t, filepath.Join(t.TempDir(), "drip.db")))
}

func openSQLiteStore(t *testing.T, path string) *persistence.SQLStore {
	t.Helper()
	db, err := persistence.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mustSQLite(t, db)
}

func mustSQLite(t *testing.T, db *sql.DB) *persistence.SQLStore {
	t.Helper()
	store, err := persistence.NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	return store
}

var factories = map[string]storeFactory{
	"in-memory": inMemoryStores,
	"sqlite":    sqliteStores,
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, p persistence.Persistence, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		p:      p,
		clock:  api.NewManualClock(t0),
		gw:     &scriptedGateway{},
		timers: timer.NewHeap(),
	}
	cfg := Config{
		Persistence: p,
		Gateway:     h.gw,
		Timer:       h.timers,
		Clock:       h.clock,
		Logger:      quietLogger(),
		Retry: api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    time.Minute,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := newEngine(cfg)
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) setTraits(t *testing.T, customerID string, traits map[string]api.Value) {
	t.Helper()
	if _, err := h.p.Traits.UpsertTraits(context.Background(), customerID, traits, h.clock.Now()); err != nil {
		t.Fatalf("UpsertTraits failed: %v", err)
	}
}

// advance moves the clock and fires everything that became due.
func (h *harness) advance(t *testing.T, d time.Duration) int {
	t.Helper()
	now := h.clock.Advance(d)
	n, err := h.eng.FireDueTimers(context.Background(), now)
	if err != nil {
		t.Fatalf("FireDueTimers failed: %v", err)
	}
	return n
}

func (h *harness) instance(t *testing.T, id string) *api.WorkflowInstance {
	t.Helper()
	inst, err := h.eng.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	return inst
}

func (h *harness) create(t *testing.T, spec api.CampaignSpec) *api.Campaign {
	t.Helper()
	camp, err := h.eng.CreateCampaign(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	return camp
}

func (h *harness) enter(t *testing.T, campaignID, customerID string) api.EntryResult {
	t.Helper()
	res, err := h.eng.Enter(context.Background(), campaignID, customerID)
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	return res
}

func historyTypes(t *testing.T, h *harness, id string) []api.HistoryType {
	t.Helper()
	events, err := h.eng.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	out := make([]api.HistoryType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func trialSegment() api.Segment {
	return api.Segment{
		ID:        "trial-users",
		Label:     "Trial users",
		Predicate: api.Compare("plan", api.OpEq, api.String("trial")),
	}
}

// onboarding sends a welcome, waits a day and nudges customers that have
// not purchased yet.
func onboarding() api.CampaignSpec {
	return api.CampaignSpec{
		Name:    "Trial onboarding",
		Segment: trialSegment(),
		Definition: api.WorkflowDefinition{
			ID:    "onboarding",
			Entry: "welcome",
			Steps: []api.Step{
				{ID: "welcome", Kind: api.StepSend, Next: "wait-1d", Send: &api.SendSpec{Channel: "email", ContentRef: "tpl-welcome"}},
				{ID: "wait-1d", Kind: api.StepWait, Next: "purchased?", Wait: &api.WaitSpec{Mode: api.WaitDuration, Duration: 24 * time.Hour}},
				{ID: "purchased?", Kind: api.StepBranch, Branch: &api.BranchSpec{
					Predicate: api.Compare("total_purchases", api.OpGte, api.Number(1)),
					TrueNext:  "done",
					FalseNext: "nudge",
				}},
				{ID: "nudge", Kind: api.StepSend, Next: "done", Send: &api.SendSpec{Channel: "email", ContentRef: "tpl-nudge"}},
				{ID: "done", Kind: api.StepExit, Exit: &api.ExitSpec{Reason: api.ReasonDone}},
			},
		},
	}
}

// clickWait waits up to three days for a click and follows up otherwise.
func clickWait() api.CampaignSpec {
	clicked := api.Compare("email_clicks", api.OpGte, api.Number(1))
	return api.CampaignSpec{
		Name:    "Click follow-up",
		Segment: trialSegment(),
		Definition: api.WorkflowDefinition{
			ID:    "click-follow-up",
			Entry: "intro",
			Steps: []api.Step{
				{ID: "intro", Kind: api.StepSend, Next: "await-click", Send: &api.SendSpec{Channel: "email", ContentRef: "tpl-intro"}},
				{ID: "await-click", Kind: api.StepWait, Next: "thanks", Wait: &api.WaitSpec{
					Mode:        api.WaitUntil,
					Condition:   &clicked,
					Timeout:     72 * time.Hour,
					TimeoutNext: "follow-up",
				}},
				{ID: "thanks", Kind: api.StepSend, Next: "done", Send: &api.SendSpec{Channel: "email", ContentRef: "tpl-thanks"}},
				{ID: "follow-up", Kind: api.StepSend, Next: "done", Send: &api.SendSpec{Channel: "sms", ContentRef: "tpl-follow-up"}},
				{ID: "done", Kind: api.StepExit, Exit: &api.ExitSpec{Reason: api.ReasonDone}},
			},
		},
	}
}
