package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/drip/internal/abtest"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/pkg/api"
)

func TestEngine_OnboardingRunsToCompletion(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

			res := h.enter(t, camp.ID, "u-1")
			if res.Outcome != api.EntryCreated {
				t.Fatalf("expected created, got %q", res.Outcome)
			}

			inst := h.instance(t, res.Instance.ID)
			if inst.Status != api.StatusWaiting || inst.CurrentStep != "wait-1d" {
				t.Fatalf("expected WAITING at wait-1d, got %s at %s", inst.Status, inst.CurrentStep)
			}
			if inst.Deliveries != 1 {
				t.Fatalf("expected 1 delivery, got %d", inst.Deliveries)
			}
			at, ok, err := h.timers.Pending(context.Background(), inst.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, at.Equal(t0.Add(24*time.Hour)))

			// Nothing is due before the wait ends.
			assert.Equal(t, 0, h.advance(t, 23*time.Hour))
			assert.Equal(t, 1, h.advance(t, time.Hour))

			inst = h.instance(t, inst.ID)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, api.ReasonDone, inst.ExitReason)
			assert.Equal(t, 2, inst.Deliveries)

			calls := h.gw.Calls()
			require.Len(t, calls, 2)
			assert.Equal(t, "tpl-welcome", calls[0].ContentRef)
			assert.Equal(t, "tpl-nudge", calls[1].ContentRef)
			assert.NotEqual(t, calls[0].IdempotencyToken, calls[1].IdempotencyToken)

			types := historyTypes(t, h, inst.ID)
			assert.Equal(t, api.HistoryInstanceCreated, types[0])
			assert.Equal(t, api.HistoryInstanceCompleted, types[len(types)-1])
			assert.Contains(t, types, api.HistoryWaitArmed)
			assert.Contains(t, types, api.HistoryTimerFired)
			assert.Contains(t, types, api.HistoryBranchTaken)
		})
	}
}

func TestEngine_BranchSkipsNudgeForBuyers(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	h.clock.Advance(time.Hour)
	h.setTraits(t, "u-1", map[string]api.Value{"total_purchases": api.Number(1)})
	h.advance(t, 23*time.Hour)

	inst := h.instance(t, res.Instance.ID)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, 1, inst.Deliveries)
	assert.Len(t, h.gw.Calls(), 1)
}

func TestEngine_DuplicateEntryIsSuppressed(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

			first := h.enter(t, camp.ID, "u-1")
			second := h.enter(t, camp.ID, "u-1")
			if second.Outcome != api.EntrySuppressed {
				t.Fatalf("expected suppressed, got %q", second.Outcome)
			}
			if second.Instance == nil || second.Instance.ID != first.Instance.ID {
				t.Fatalf("suppressed entry should point at the live instance")
			}

			stats, err := h.eng.CampaignStats(context.Background(), camp.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Total())
			assert.Equal(t, int64(1), stats.DuplicatesSuppressed)
			assert.Len(t, h.gw.Calls(), 1)
		})
	}
}

func TestEngine_ConcurrentEnterCreatesOneInstance(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := h.eng.Enter(context.Background(), camp.ID, "u-1")
					if err != nil && !errors.Is(err, api.ErrInstanceBusy) {
						t.Errorf("Enter failed: %v", err)
						return
					}
					if res.Outcome == api.EntryCreated {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			live, err := h.eng.ListInstances(context.Background(), api.InstanceFilter{CampaignID: camp.ID, Live: true})
			require.NoError(t, err)
			assert.Len(t, live, 1)
			assert.Len(t, h.gw.Calls(), 1)
		})
	}
}

func TestEngine_EntryEligibility(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())

	h.setTraits(t, "paid", map[string]api.Value{"plan": api.String("paid")})
	h.setTraits(t, "gone", map[string]api.Value{"plan": api.String("trial"), api.TraitUnsubscribed: api.Bool(true)})

	assert.Equal(t, api.EntryNotEligible, h.enter(t, camp.ID, "paid").Outcome)
	assert.Equal(t, api.EntryNotEligible, h.enter(t, camp.ID, "gone").Outcome)
	assert.Equal(t, api.EntryNotEligible, h.enter(t, camp.ID, "unknown").Outcome)

	_, err := h.eng.Enter(context.Background(), "no-such-campaign", "paid")
	assert.ErrorIs(t, err, api.ErrCampaignNotFound)
}

func TestEngine_ReentryPolicy(t *testing.T) {
	short := api.CampaignSpec{
		Name:    "One shot",
		Segment: trialSegment(),
		Definition: api.WorkflowDefinition{
			ID:    "one-shot",
			Entry: "hello",
			Steps: []api.Step{
				{ID: "hello", Kind: api.StepSend, Next: "done", Send: &api.SendSpec{Channel: "push", ContentRef: "tpl-hello"}},
				{ID: "done", Kind: api.StepExit, Exit: &api.ExitSpec{Reason: api.ReasonDone}},
			},
		},
	}

	h := newHarness(t, inMemoryStores(t))
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

	never := h.create(t, short)
	assert.Equal(t, api.EntryNotEligible, h.enter(t, never.ID, "u-1").Outcome, "sweep already admitted u-1 once")

	short.Reentry = api.ReentryAfterTerminal
	again := h.create(t, short)
	assert.Equal(t, api.EntryCreated, h.enter(t, again.ID, "u-1").Outcome)
	assert.Equal(t, 2, again.DefinitionVersion)
}

func TestEngine_SegmentExitDuringWait(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
			res := h.enter(t, camp.ID, "u-1")

			h.clock.Advance(time.Hour)
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("paid")})
			h.advance(t, 23*time.Hour)

			inst := h.instance(t, res.Instance.ID)
			if inst.Status != api.StatusExited || inst.ExitReason != api.ReasonSegmentExit {
				t.Fatalf("expected EXITED(segment-exit), got %s(%s)", inst.Status, inst.ExitReason)
			}
			if n := len(h.gw.Calls()); n != 1 {
				t.Fatalf("expected no further sends, got %d calls", n)
			}
		})
	}
}

func TestEngine_ExitCancelsTimerAndLateFireIsNoop(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
			res := h.enter(t, camp.ID, "u-1")
			armed := h.instance(t, res.Instance.ID).ResumeAt

			require.NoError(t, h.eng.Exit(ctx, camp.ID, "u-1", api.ReasonExitEvent))

			_, pending, err := h.timers.Pending(ctx, res.Instance.ID)
			require.NoError(t, err)
			assert.False(t, pending)

			h.clock.Advance(24 * time.Hour)
			require.NoError(t, h.eng.FireTimer(ctx, res.Instance.ID, armed))

			inst := h.instance(t, res.Instance.ID)
			assert.Equal(t, api.StatusExited, inst.Status)
			assert.Equal(t, api.ReasonExitEvent, inst.ExitReason)
			assert.Len(t, h.gw.Calls(), 1)

			// Exiting a pair with nothing live is fine.
			require.NoError(t, h.eng.Exit(ctx, camp.ID, "u-1", "again"))
		})
	}
}

func TestEngine_StaleTimerIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	require.NoError(t, h.eng.FireTimer(ctx, res.Instance.ID, t0.Add(time.Hour)))
	inst := h.instance(t, res.Instance.ID)
	assert.Equal(t, api.StatusWaiting, inst.Status)
	assert.Equal(t, "wait-1d", inst.CurrentStep)
}

func TestEngine_RetryBackoffThenFail(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t))
			h.gw.failures = -1
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

			res := h.enter(t, camp.ID, "u-1")
			inst := h.instance(t, res.Instance.ID)
			if inst.Status != api.StatusActive || inst.Attempt != 1 {
				t.Fatalf("expected ACTIVE after first failure, got %s attempt %d", inst.Status, inst.Attempt)
			}
			if !inst.ResumeAt.Equal(t0.Add(time.Minute)) {
				t.Fatalf("expected retry at +1m, got %s", inst.ResumeAt)
			}

			h.advance(t, time.Minute)
			inst = h.instance(t, inst.ID)
			assert.Equal(t, 2, inst.Attempt)
			assert.True(t, inst.ResumeAt.Equal(t0.Add(3*time.Minute)), "second backoff doubles")

			h.advance(t, 2*time.Minute)
			inst = h.instance(t, inst.ID)
			assert.Equal(t, api.StatusFailed, inst.Status)
			assert.Contains(t, inst.LastError, "smtp unavailable")

			calls := h.gw.Calls()
			require.Len(t, calls, 3)
			tokens := map[string]bool{}
			for _, c := range calls {
				tokens[c.IdempotencyToken] = true
			}
			assert.Len(t, tokens, 3, "every attempt uses its own token")

			stats, err := h.eng.CampaignStats(context.Background(), camp.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Failed)
		})
	}
}

func TestEngine_RetryRecovers(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	h.gw.failures = 1
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	h.advance(t, time.Minute)

	inst := h.instance(t, res.Instance.ID)
	assert.Equal(t, api.StatusWaiting, inst.Status)
	assert.Equal(t, 1, inst.Deliveries)
	assert.Equal(t, 0, inst.Attempt)
	assert.Contains(t, historyTypes(t, h, inst.ID), api.HistorySendFailed)
}

func TestEngine_StepRetryPolicyOverridesDefault(t *testing.T) {
	spec := onboarding()
	spec.Definition.Steps[0].Send.Retry = &api.RetryPolicy{MaxAttempts: 1}

	h := newHarness(t, inMemoryStores(t))
	h.gw.failures = -1
	camp := h.create(t, spec)
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	assert.Equal(t, api.StatusFailed, h.instance(t, res.Instance.ID).Status)
}

func TestEngine_UntilWait(t *testing.T) {
	t.Run("condition met", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t, inMemoryStores(t))
		camp := h.create(t, clickWait())
		h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
		res := h.enter(t, camp.ID, "u-1")

		inst := h.instance(t, res.Instance.ID)
		require.True(t, inst.AwaitingCondition)
		require.True(t, inst.ResumeAt.Equal(t0.Add(72*time.Hour)))

		// Not yet clicked: nothing happens.
		require.NoError(t, h.eng.CheckCondition(ctx, inst.ID))
		assert.Equal(t, api.StatusWaiting, h.instance(t, inst.ID).Status)

		h.clock.Advance(5 * time.Hour)
		h.setTraits(t, "u-1", map[string]api.Value{"email_clicks": api.Number(1)})
		require.NoError(t, h.eng.Propose(ctx, api.Trigger{Kind: api.TriggerCondition, CampaignID: camp.ID, CustomerID: "u-1"}))

		inst = h.instance(t, inst.ID)
		assert.Equal(t, api.StatusCompleted, inst.Status)
		calls := h.gw.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "tpl-thanks", calls[1].ContentRef)

		_, pending, err := h.timers.Pending(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("timeout follows timeout edge", func(t *testing.T) {
		h := newHarness(t, inMemoryStores(t))
		camp := h.create(t, clickWait())
		h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
		res := h.enter(t, camp.ID, "u-1")

		h.advance(t, 72*time.Hour)

		inst := h.instance(t, res.Instance.ID)
		assert.Equal(t, api.StatusCompleted, inst.Status)
		calls := h.gw.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "sms", calls[1].Channel)
	})

	t.Run("already met continues immediately", func(t *testing.T) {
		h := newHarness(t, inMemoryStores(t))
		camp := h.create(t, clickWait())
		h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial"), "email_clicks": api.Number(3)})
		res := h.enter(t, camp.ID, "u-1")

		assert.Equal(t, api.StatusCompleted, h.instance(t, res.Instance.ID).Status)
		assert.Equal(t, "tpl-thanks", h.gw.Calls()[1].ContentRef)
	})
}

func TestEngine_PauseAndResume(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
			h.setTraits(t, "u-2", map[string]api.Value{"plan": api.String("trial")})
			res := h.enter(t, camp.ID, "u-1")

			require.NoError(t, h.eng.PauseCampaign(ctx, camp.ID))
			assert.Equal(t, api.EntryPaused, h.enter(t, camp.ID, "u-2").Outcome)

			h.advance(t, 24*time.Hour)
			inst := h.instance(t, res.Instance.ID)
			if inst.Status != api.StatusWaiting {
				t.Fatalf("paused campaign must not advance, got %s", inst.Status)
			}

			require.NoError(t, h.eng.ResumeCampaign(ctx, camp.ID))
			got, err := h.eng.GetCampaign(ctx, camp.ID)
			require.NoError(t, err)
			assert.Equal(t, api.CampaignRunning, got.Status)

			// The re-armed timer is already due; the re-sweep admitted u-2.
			h.advance(t, time.Second)
			assert.Equal(t, api.StatusCompleted, h.instance(t, inst.ID).Status)

			live, err := h.eng.ListInstances(ctx, api.InstanceFilter{CampaignID: camp.ID, CustomerID: "u-2"})
			require.NoError(t, err)
			assert.Len(t, live, 1)
		})
	}
}

func TestEngine_CreateCampaign(t *testing.T) {
	t.Run("rejects invalid definitions", func(t *testing.T) {
		h := newHarness(t, inMemoryStores(t))
		h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

		spec := onboarding()
		spec.Definition.Steps = spec.Definition.Steps[:4] // nudge now points nowhere
		_, err := h.eng.CreateCampaign(context.Background(), spec)
		if !errors.Is(err, api.ErrInvalidDefinition) {
			t.Fatalf("expected ErrInvalidDefinition, got %v", err)
		}

		camps, err := h.eng.ListCampaigns(context.Background())
		require.NoError(t, err)
		assert.Empty(t, camps)
		assert.Empty(t, h.gw.Calls())
	})

	t.Run("sweeps the current population", func(t *testing.T) {
		h := newHarness(t, inMemoryStores(t))
		h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
		h.setTraits(t, "u-2", map[string]api.Value{"plan": api.String("trial")})
		h.setTraits(t, "u-3", map[string]api.Value{"plan": api.String("paid")})

		camp := h.create(t, onboarding())

		stats, err := h.eng.CampaignStats(context.Background(), camp.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Waiting)
		assert.Equal(t, 2, stats.Deliveries)
	})

	t.Run("versions definitions and segments", func(t *testing.T) {
		h := newHarness(t, inMemoryStores(t))
		first := h.create(t, onboarding())
		second := h.create(t, onboarding())

		assert.Equal(t, 1, first.DefinitionVersion)
		assert.Equal(t, 2, second.DefinitionVersion)
		assert.Equal(t, 2, second.Segment.Version)
		assert.Equal(t, api.ReentryNever, second.Reentry)
	})
}

func TestEngine_VariantAssignmentIsStableAndPersisted(t *testing.T) {
	ctx := context.Background()
	spec := onboarding()
	spec.Definition.Steps[0].Send.Variants = []api.Variant{
		{Label: "A", Weight: 50, ContentRef: "tpl-welcome-a"},
		{Label: "B", Weight: 50, ContentRef: "tpl-welcome-b"},
	}

	h := newHarness(t, inMemoryStores(t), func(c *Config) { c.Allocator = abtest.Allocator{Salt: "test"} })
	camp := h.create(t, spec)
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	want, err := abtest.Allocator{Salt: "test"}.Assign(abtest.Subject(camp.ID, "u-1"), "welcome", spec.Definition.Steps[0].Send.Variants)
	require.NoError(t, err)

	label, ok, err := h.p.Assignments.GetAssignment(ctx, res.Instance.ID, "welcome")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, label)

	call := h.gw.Calls()[0]
	assert.Equal(t, want, call.Variant)
	assert.Equal(t, "tpl-welcome-"+strings.ToLower(want), call.ContentRef)
}

func TestEngine_RecoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drip.db")

	first := newHarness(t, persistenceAt(t, path))
	camp := first.create(t, onboarding())
	first.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := first.enter(t, camp.ID, "u-1")
	armed := first.instance(t, res.Instance.ID).ResumeAt

	// A new process: fresh timer heap, same database.
	second := newHarness(t, persistenceAt(t, path))
	second.clock.Set(first.clock.Now())
	require.NoError(t, second.eng.Recover(ctx))

	at, ok, err := second.timers.Pending(ctx, res.Instance.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(armed), "original resume time is kept")

	second.advance(t, 24*time.Hour)
	assert.Equal(t, api.StatusCompleted, second.instance(t, res.Instance.ID).Status)
}

func TestEngine_RecoverReusesPendingToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())

	// Crash after the gateway confirmed the welcome but before the
	// instance moved on.
	inst := &api.WorkflowInstance{
		ID:                "i-crashed",
		CampaignID:        camp.ID,
		CustomerID:        "u-1",
		DefinitionID:      camp.DefinitionID,
		DefinitionVersion: camp.DefinitionVersion,
		CurrentStep:       "welcome",
		Status:            api.StatusActive,
		Visit:             1,
		PendingToken:      "i-crashed:welcome:v1:a0",
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
	require.NoError(t, h.p.Instances.CreateInstance(ctx, inst))
	_, _, err := h.p.Ledger.RecordDelivery(ctx, inst.PendingToken, api.DeliveryResult{Status: api.DeliverySent, MessageID: "m-1", At: t0})
	require.NoError(t, err)

	require.NoError(t, h.eng.Recover(ctx))

	got := h.instance(t, inst.ID)
	assert.Equal(t, api.StatusWaiting, got.Status)
	assert.Equal(t, 0, got.Deliveries, "a replayed send is not a new delivery")
	assert.Empty(t, h.gw.Calls(), "confirmed send must not be delivered again")
}

func TestEngine_ProposeWithQueueOnlyEnqueues(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(16)
	h := newHarness(t, inMemoryStores(t), func(c *Config) { c.Queue = q })
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

	camp := h.create(t, onboarding())
	assert.Equal(t, 1, q.Len(), "sweep proposes through the queue")

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.TaskEnter, task.Type)
	assert.Equal(t, camp.ID, task.CampaignID)

	live, err := h.eng.ListInstances(ctx, api.InstanceFilter{CampaignID: camp.ID})
	require.NoError(t, err)
	assert.Empty(t, live)

	// Due timers become timer tasks.
	res := h.enter(t, camp.ID, "u-1")
	h.clock.Advance(24 * time.Hour)
	n, err := h.eng.FireDueTimers(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.TaskTimer, task.Type)
	assert.Equal(t, res.Instance.ID, task.InstanceID)
}

func TestEngine_FireDueTimersRearmsBusyPairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	ok, err := h.p.Locks.TryAcquire(ctx, lockKey(camp.ID, "u-1"), "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 0, h.advance(t, 24*time.Hour))
	_, pending, err := h.timers.Pending(ctx, res.Instance.ID)
	require.NoError(t, err)
	assert.True(t, pending, "busy timer goes back on the heap")

	require.NoError(t, h.p.Locks.Release(ctx, lockKey(camp.ID, "u-1"), "someone-else"))
	assert.Equal(t, 1, h.advance(t, 0))
	assert.Equal(t, api.StatusCompleted, h.instance(t, res.Instance.ID).Status)
}

func TestEngine_FireDueTimersRearmsFailedTimers(t *testing.T) {
	ctx := context.Background()
	p := inMemoryStores(t)
	traits := &flakyTraits{TraitStore: p.Traits}
	p.Traits = traits
	h := newHarness(t, p)
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	traits.down.Store(true)
	n, err := h.eng.FireDueTimers(ctx, h.clock.Advance(24*time.Hour))
	require.Error(t, err)
	assert.Zero(t, n)
	_, pending, err := h.timers.Pending(ctx, res.Instance.ID)
	require.NoError(t, err)
	assert.True(t, pending, "failed timer goes back on the heap")
	assert.Equal(t, api.StatusWaiting, h.instance(t, res.Instance.ID).Status)

	traits.down.Store(false)
	assert.Equal(t, 1, h.advance(t, 0))
	assert.Equal(t, api.StatusCompleted, h.instance(t, res.Instance.ID).Status)
}

func TestEngine_RetryResumeRechecksAudience(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	h.gw.failures = -1
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")
	require.Equal(t, api.StatusActive, h.instance(t, res.Instance.ID).Status)

	h.clock.Advance(30 * time.Second)
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("paid")})
	h.advance(t, 30*time.Second)

	inst := h.instance(t, res.Instance.ID)
	assert.Equal(t, api.StatusExited, inst.Status)
	assert.Equal(t, api.ReasonSegmentExit, inst.ExitReason)
	assert.Len(t, h.gw.Calls(), 1, "no retry after leaving the audience")
}

func TestEngine_ExitEventSinceEntryEndsInstance(t *testing.T) {
	spec := onboarding()
	spec.Definition.ExitEvents = []string{api.EventPurchase}
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, spec)
	h.setTraits(t, "u-1", map[string]api.Value{
		"plan":                                api.String("trial"),
		api.LastEventTrait(api.EventPurchase): api.Time(t0.Add(-time.Hour)),
	})
	res := h.enter(t, camp.ID, "u-1")
	require.Equal(t, api.StatusWaiting, h.instance(t, res.Instance.ID).Status, "purchases before entry do not count")

	h.clock.Advance(time.Hour)
	h.setTraits(t, "u-1", map[string]api.Value{api.LastEventTrait(api.EventPurchase): api.Time(h.clock.Now())})
	h.advance(t, 23*time.Hour)

	inst := h.instance(t, res.Instance.ID)
	assert.Equal(t, api.StatusExited, inst.Status)
	assert.Equal(t, api.ReasonExitEvent, inst.ExitReason)
	assert.Len(t, h.gw.Calls(), 1, "the nudge is not sent")
}

func TestEngine_CancelCampaign(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, factory(t))
			camp := h.create(t, onboarding())
			h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
			h.setTraits(t, "u-2", map[string]api.Value{"plan": api.String("trial")})
			res := h.enter(t, camp.ID, "u-1")

			require.NoError(t, h.eng.CancelCampaign(ctx, camp.ID, "budget cut"))

			inst := h.instance(t, res.Instance.ID)
			assert.Equal(t, api.StatusExited, inst.Status)
			assert.Equal(t, "budget cut", inst.ExitReason)
			_, pending, err := h.timers.Pending(ctx, inst.ID)
			require.NoError(t, err)
			assert.False(t, pending, "cancelling clears timers")

			got, err := h.eng.GetCampaign(ctx, camp.ID)
			require.NoError(t, err)
			assert.Equal(t, api.CampaignCancelled, got.Status)
			assert.Equal(t, "budget cut", got.CancelReason)

			assert.Equal(t, api.EntryNotEligible, h.enter(t, camp.ID, "u-2").Outcome)
			assert.ErrorIs(t, h.eng.PauseCampaign(ctx, camp.ID), api.ErrCampaignCancelled)
			assert.ErrorIs(t, h.eng.ResumeCampaign(ctx, camp.ID), api.ErrCampaignCancelled)
			assert.NoError(t, h.eng.CancelCampaign(ctx, camp.ID, ""), "cancelling twice is a no-op")

			h.advance(t, 48*time.Hour)
			assert.Len(t, h.gw.Calls(), 1)
		})
	}
}

func TestEngine_CancelCampaignDefaultsReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	res := h.enter(t, camp.ID, "u-1")

	require.NoError(t, h.eng.CancelCampaign(ctx, camp.ID, ""))
	assert.Equal(t, api.ReasonCancelled, h.instance(t, res.Instance.ID).ExitReason)
	assert.ErrorIs(t, h.eng.CancelCampaign(ctx, "missing", ""), api.ErrCampaignNotFound)
}

func TestEngine_ScheduledCampaignStartsWhenDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})

	spec := onboarding()
	spec.StartAt = t0.Add(48 * time.Hour)
	camp := h.create(t, spec)
	assert.Equal(t, api.CampaignScheduled, camp.Status)
	assert.Equal(t, api.EntryNotEligible, h.enter(t, camp.ID, "u-1").Outcome)
	assert.Empty(t, h.gw.Calls(), "scheduled campaigns do not sweep")

	started, err := h.eng.StartDueCampaigns(ctx, h.clock.Advance(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, started)

	started, err = h.eng.StartDueCampaigns(ctx, h.clock.Advance(47*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	got, err := h.eng.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CampaignRunning, got.Status)
	live, err := h.eng.ListInstances(ctx, api.InstanceFilter{CampaignID: camp.ID})
	require.NoError(t, err)
	assert.Len(t, live, 1, "starting sweeps the population")

	started, err = h.eng.StartDueCampaigns(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestEngine_ResumeStartsScheduledCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	spec := onboarding()
	spec.StartAt = t0.Add(time.Hour)
	camp := h.create(t, spec)

	require.NoError(t, h.eng.ResumeCampaign(ctx, camp.ID))
	got, err := h.eng.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CampaignRunning, got.Status)
	assert.Len(t, h.gw.Calls(), 1)
}

func TestEngine_CreateCampaignWithID(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, factory(t))
			spec := onboarding()
			spec.ID = "trial-onboarding"

			camp := h.create(t, spec)
			assert.Equal(t, "trial-onboarding", camp.ID)

			_, err := h.eng.CreateCampaign(ctx, spec)
			assert.ErrorIs(t, err, api.ErrCampaignExists)
			camps, err := h.eng.ListCampaigns(ctx)
			require.NoError(t, err)
			assert.Len(t, camps, 1)
		})
	}
}

func TestEngine_ConcurrentCreateCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, inMemoryStores(t))

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = map[int]bool{}
		segs     = map[int]bool{}
		errs     []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			camp, err := h.eng.CreateCampaign(ctx, onboarding())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			versions[camp.DefinitionVersion] = true
			segs[camp.Segment.Version] = true
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, versions, n, "every create gets its own definition version")
	assert.Len(t, segs, n, "every create gets its own segment version")
}

func TestEngine_RejectsLoopThroughSatisfiedUntilWait(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	spec := clickWait()
	// A click sends thanks and loops straight back to the wait: with the
	// condition already met, nothing ever blocks.
	spec.Definition.Steps[2].Next = "await-click"

	_, err := h.eng.CreateCampaign(context.Background(), spec)
	assert.ErrorIs(t, err, api.ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "does not pass a timed wait")
}

func TestEngine_HistoryOfUnknownInstance(t *testing.T) {
	h := newHarness(t, inMemoryStores(t))
	_, err := h.eng.History(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	metrics := &api.BasicMetrics{}
	h := newHarness(t, inMemoryStores(t), func(c *Config) { c.Observer = metrics })
	camp := h.create(t, onboarding())
	h.setTraits(t, "u-1", map[string]api.Value{"plan": api.String("trial")})
	h.enter(t, camp.ID, "u-1")
	h.enter(t, camp.ID, "u-1")
	h.advance(t, 24*time.Hour)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.InstancesCreated)
	assert.Equal(t, int64(1), snap.InstancesCompleted)
	assert.Equal(t, int64(1), snap.DuplicatesSuppressed)
	assert.Equal(t, int64(2), snap.Deliveries)
}

func TestToken(t *testing.T) {
	inst := &api.WorkflowInstance{ID: "i-1", Visit: 3, Attempt: 2}
	assert.Equal(t, "i-1:welcome:v3:a2", Token(inst, "welcome"))
}

func TestNew_RequiresGatewayAndStores(t *testing.T) {
	_, err := New(Config{Persistence: inMemoryStores(t)})
	assert.Error(t, err)

	p := inMemoryStores(t)
	p.History = nil
	_, err = New(Config{Persistence: p, Gateway: &scriptedGateway{}})
	assert.Error(t, err)

	eng, err := New(Config{Persistence: inMemoryStores(t), Gateway: &scriptedGateway{}})
	require.NoError(t, err)
	assert.NotNil(t, eng)
}

func persistenceAt(t *testing.T, path string) persistence.Persistence {
	t.Helper()
	return persistence.FromSQL(openSQLiteStore(t, path))
}
