package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/drip/pkg/api"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// runStoreContract exercises the behavior every full backend must share.
func runStoreContract(t *testing.T, newStores func(t *testing.T) Persistence) {
	t.Run("catalog", func(t *testing.T) { testCatalog(t, newStores(t)) })
	t.Run("instances", func(t *testing.T) { testInstances(t, newStores(t)) })
	t.Run("live uniqueness under concurrency", func(t *testing.T) { testLiveUniqueness(t, newStores(t)) })
	t.Run("traits", func(t *testing.T) { testTraits(t, newStores(t).Traits) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStores(t).Events) })
	t.Run("ledger", func(t *testing.T) { testLedger(t, newStores(t).Ledger) })
	t.Run("assignments", func(t *testing.T) { testAssignments(t, newStores(t).Assignments) })
	t.Run("locks", func(t *testing.T) { testLocks(t, newStores(t).Locks) })
	t.Run("history", func(t *testing.T) { testHistory(t, newStores(t).History) })
}

func sampleDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "welcome",
		Version: 1,
		Entry:   "send",
		Steps: []api.Step{
			{ID: "send", Kind: api.StepSend, Next: "wait", Send: &api.SendSpec{Channel: "email", ContentRef: "hello"}},
			{ID: "wait", Kind: api.StepWait, Next: "done", Wait: &api.WaitSpec{Mode: api.WaitDuration, Duration: 72 * time.Hour}},
			{ID: "done", Kind: api.StepExit, Exit: &api.ExitSpec{Reason: api.ReasonDone}},
		},
	}
}

func testCatalog(t *testing.T, p Persistence) {
	ctx := context.Background()
	c := p.Catalog

	v, err := c.LatestDefinitionVersion(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	def := sampleDefinition()
	require.NoError(t, c.SaveDefinition(ctx, def))
	assert.ErrorIs(t, c.SaveDefinition(ctx, def), ErrVersionExists)

	def2 := sampleDefinition()
	def2.Version = 2
	require.NoError(t, c.SaveDefinition(ctx, def2))

	v, err = c.LatestDefinitionVersion(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := c.GetDefinition(ctx, "welcome", 1)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	_, err = c.GetDefinition(ctx, "welcome", 9)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	seg := api.Segment{ID: "active", Version: 1, Predicate: api.Compare("engagement_score", api.OpGte, api.Number(70))}
	require.NoError(t, c.SaveSegment(ctx, seg))
	gotSeg, err := c.GetSegment(ctx, "active", 1)
	require.NoError(t, err)
	assert.Equal(t, seg.Predicate.Trait, gotSeg.Predicate.Trait)
	assert.True(t, gotSeg.Predicate.Value.Equal(api.Number(70)))
	_, err = c.GetSegment(ctx, "active", 2)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	camp := &api.Campaign{
		ID: "c-1", Name: "welcome", DefinitionID: "welcome", DefinitionVersion: 1,
		Segment: seg, Status: api.CampaignRunning, Reentry: api.ReentryNever, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, c.SaveCampaign(ctx, camp))
	camp.Status = api.CampaignPaused
	require.NoError(t, c.UpdateCampaign(ctx, camp))

	gotCamp, err := c.GetCampaign(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, api.CampaignPaused, gotCamp.Status)

	list, err := c.ListCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	assert.ErrorIs(t, c.UpdateCampaign(ctx, &api.Campaign{ID: "missing"}), ErrCampaignNotFound)
}

func newInstance(id, campaign, customer string, created time.Time) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID: id, CampaignID: campaign, CustomerID: customer,
		DefinitionID: "welcome", DefinitionVersion: 1,
		CurrentStep: "send", Status: api.StatusActive,
		CreatedAt: created, UpdatedAt: created,
	}
}

func testInstances(t *testing.T, p Persistence) {
	ctx := context.Background()
	s := p.Instances

	inst := newInstance("i-1", "c-1", "u-1", t0)
	require.NoError(t, s.CreateInstance(ctx, inst))

	ok, err := s.HasInstance(ctx, "c-1", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.CreateInstance(ctx, newInstance("i-2", "c-1", "u-1", t0))
	assert.ErrorIs(t, err, ErrDuplicateInstance)

	live, err := s.FindLive(ctx, "c-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "i-1", live.ID)

	inst.Status = api.StatusWaiting
	inst.CurrentStep = "wait"
	inst.ResumeAt = t0.Add(72 * time.Hour)
	inst.Deliveries = 1
	inst.Visit = 2
	require.NoError(t, s.UpdateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, got.Status)
	assert.True(t, got.ResumeAt.Equal(inst.ResumeAt))
	assert.Equal(t, 2, got.Visit)

	inst.Status = api.StatusCompleted
	inst.ExitReason = api.ReasonDone
	require.NoError(t, s.UpdateInstance(ctx, inst))

	_, err = s.FindLive(ctx, "c-1", "u-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	// A terminal instance does not block a new live one.
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-3", "c-1", "u-1", t0.Add(time.Hour))))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-4", "c-1", "u-2", t0.Add(2*time.Hour))))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-5", "c-2", "u-1", t0.Add(3*time.Hour))))

	all, err := s.ListInstances(ctx, api.InstanceFilter{CampaignID: "c-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"i-1", "i-3", "i-4"}, []string{all[0].ID, all[1].ID, all[2].ID})

	liveOnly, err := s.ListInstances(ctx, api.InstanceFilter{CustomerID: "u-1", Live: true})
	require.NoError(t, err)
	assert.Len(t, liveOnly, 2)

	done, err := s.ListInstances(ctx, api.InstanceFilter{Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "i-1", done[0].ID)

	sum, err := s.Summarize(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ByStatus[api.StatusCompleted])
	assert.Equal(t, 2, sum.ByStatus[api.StatusActive])
	assert.Equal(t, 1, sum.Deliveries)

	_, err = s.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.ErrorIs(t, s.UpdateInstance(ctx, newInstance("missing", "c", "u", t0)), ErrInstanceNotFound)
}

func testLiveUniqueness(t *testing.T, p Persistence) {
	ctx := context.Background()
	const n = 16
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.Instances.CreateInstance(ctx, newInstance(fmt.Sprintf("race-%d", i), "c-race", "u-race", t0))
			if err == nil {
				created.Add(1)
				return
			}
			if !errors.Is(err, ErrDuplicateInstance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
}

func testTraits(t *testing.T, s TraitStore) {
	ctx := context.Background()

	empty, err := s.GetTraits(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Traits)
	assert.True(t, empty.AsOf.IsZero())

	res, err := s.UpsertTraits(ctx, "u-1", map[string]api.Value{
		"total_purchases": api.Number(2),
		"plan":            api.String("pro"),
		"unsubscribed":    api.Bool(false),
		"last_purchase":   api.Time(t0),
	}, t0)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 4)
	assert.Empty(t, res.Stale)

	// Older as_of is stale; an equal as_of is a recomputation and wins.
	applied, err := UpsertTrait(ctx, s, "u-1", "plan", api.String("free"), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = UpsertTrait(ctx, s, "u-1", "plan", api.String("team"), t0)
	require.NoError(t, err)
	assert.True(t, applied)
	same, err := s.GetTraits(ctx, "u-1")
	require.NoError(t, err)
	plan, _ := same.Get("plan")
	assert.Equal(t, "team", plan.Str)

	res, err = s.UpsertTraits(ctx, "u-1", map[string]api.Value{
		"plan":     api.String("enterprise"),
		"new_flag": api.Bool(true),
	}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plan", "new_flag"}, res.Applied)

	snap, err := s.GetTraits(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", snap.CustomerID)
	assert.Len(t, snap.Traits, 5)
	plan, ok := snap.Get("plan")
	require.True(t, ok)
	assert.Equal(t, "enterprise", plan.Str)
	n, _ := snap.Get("total_purchases")
	assert.Equal(t, 2.0, n.Num)
	lp, _ := snap.Get("last_purchase")
	assert.True(t, lp.Time.Equal(t0))
	assert.True(t, snap.AsOf.Equal(t0.Add(time.Hour)))

	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Contains(t, customers, "u-1")
}

func testEvents(t *testing.T, s EventLog) {
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, api.Event{ID: "e-2", CustomerID: "u-1", Type: api.EventPurchase, Timestamp: t0.Add(time.Hour), Properties: map[string]any{"revenue": 12.5}}))
	require.NoError(t, s.AppendEvent(ctx, api.Event{ID: "e-1", CustomerID: "u-1", Type: api.EventPageView, Timestamp: t0}))
	// Duplicate ids are ignored.
	require.NoError(t, s.AppendEvent(ctx, api.Event{ID: "e-1", CustomerID: "u-1", Type: api.EventPageView, Timestamp: t0}))
	require.NoError(t, s.AppendEvent(ctx, api.Event{ID: "e-3", CustomerID: "u-2", Type: api.EventSignup, Timestamp: t0}))

	evs, err := s.ListEvents(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e-1", evs[0].ID)
	assert.Equal(t, api.EventPurchase, evs[1].Type)
	assert.EqualValues(t, 12.5, evs[1].Properties["revenue"])
}

func testLedger(t *testing.T, s LedgerStore) {
	ctx := context.Background()
	_, ok, err := s.LookupDelivery(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	first := api.DeliveryResult{Status: api.DeliverySent, MessageID: "m-1", At: t0}
	stored, recorded, err := s.RecordDelivery(ctx, "tok", first)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, "m-1", stored.MessageID)

	stored, recorded, err = s.RecordDelivery(ctx, "tok", api.DeliveryResult{Status: api.DeliverySent, MessageID: "m-2", At: t0})
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, "m-1", stored.MessageID)

	got, ok, err := s.LookupDelivery(ctx, "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.DeliverySent, got.Status)
	assert.True(t, got.At.Equal(t0))
}

func testAssignments(t *testing.T, s AssignmentStore) {
	ctx := context.Background()
	_, ok, err := s.GetAssignment(ctx, "i-1", "send")
	require.NoError(t, err)
	assert.False(t, ok)

	label, err := s.SaveAssignment(ctx, "i-1", "send", "A")
	require.NoError(t, err)
	assert.Equal(t, "A", label)

	label, err = s.SaveAssignment(ctx, "i-1", "send", "B")
	require.NoError(t, err)
	assert.Equal(t, "A", label, "first assignment wins")
}

func testLocks(t *testing.T, s LockStore) {
	ctx := context.Background()
	ok, err := s.TryAcquire(ctx, "c-1/u-1", "owner1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquire(ctx, "c-1/u-1", "owner1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "re-entrant for the same owner")

	ok, err = s.TryAcquire(ctx, "c-1/u-1", "owner2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing someone else's lock is a no-op.
	require.NoError(t, s.Release(ctx, "c-1/u-1", "owner2"))
	ok, err = s.TryAcquire(ctx, "c-1/u-1", "owner2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "c-1/u-1", "owner1"))
	require.NoError(t, s.Release(ctx, "c-1/u-1", "owner1"))
	ok, err = s.TryAcquire(ctx, "c-1/u-1", "owner2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testHistory(t *testing.T, s HistoryStore) {
	ctx := context.Background()
	require.NoError(t, s.AppendHistory(ctx, api.HistoryEvent{InstanceID: "i-1", At: t0, Type: api.HistoryInstanceCreated}))
	require.NoError(t, s.AppendHistory(ctx, api.HistoryEvent{InstanceID: "i-1", At: t0, Type: api.HistoryStepStarted, Step: "send"}))
	require.NoError(t, s.AppendHistory(ctx, api.HistoryEvent{InstanceID: "i-2", At: t0, Type: api.HistoryInstanceCreated}))

	evs, err := s.ListHistory(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, api.HistoryInstanceCreated, evs[0].Type)
	assert.Equal(t, "send", evs[1].Step)
	assert.True(t, evs[0].At.Equal(t0))
}
