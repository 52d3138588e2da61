package drip

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	workerpkg "github.com/petrijr/drip/pkg/worker"
)

type countingGateway struct {
	mu   sync.Mutex
	sent []DeliveryRequest
}

func (g *countingGateway) Deliver(_ context.Context, req DeliveryRequest) (DeliveryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, req)
	return DeliveryResult{Status: DeliverySent, MessageID: req.IdempotencyToken}, nil
}

func (g *countingGateway) refs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	for i, r := range g.sent {
		out[i] = r.ContentRef
	}
	return out
}

func drainBundle(t *testing.T, ctx context.Context, b *WorkerBundle) {
	t.Helper()
	for i := 0; b.Pending() > 0; i++ {
		require.Less(t, i, 100, "queue did not drain")
		_, err := b.Worker.ProcessOne(ctx)
		require.NoError(t, err)
	}
}

// A customer proposed before a crash is admitted after the restart, and a
// waiting instance resumes from its persisted timer on the next start.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "drip_bundle.db")
	clock := NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := &countingGateway{}

	open := func() *WorkerBundle {
		db, err := OpenSQLite(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		b, err := NewSQLiteBundle(db, gw, workerpkg.Config{}, WithClock(clock))
		require.NoError(t, err)
		require.NoError(t, Recover(ctx, b.Engine))
		return b
	}

	// Phase 1: the signup is ingested but no worker runs.
	b1 := open()
	camp, err := New("welcome").
		Send("hello", "email", "tpl-welcome").
		Wait("pause", 24*time.Hour).
		Send("tips", "email", "tpl-tips").
		Done("done").
		Launch(ctx, b1.Engine, "Welcome", Segment{ID: "signed-up", Predicate: EventCount(EventSignup).Gte(1)})
	require.NoError(t, err)

	_, err = b1.Ingest(ctx, Event{CustomerID: "carol", Type: EventSignup})
	require.NoError(t, err)
	require.Positive(t, b1.Pending(), "ingestion only enqueues work")

	insts, err := ListInstances(ctx, b1.Engine, InstanceFilter{CampaignID: camp.ID})
	require.NoError(t, err)
	require.Empty(t, insts)

	// Phase 2: a new process drains the queue left behind.
	b2 := open()
	drainBundle(t, ctx, b2)

	insts, err = ListInstances(ctx, b2.Engine, InstanceFilter{CampaignID: camp.ID})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	require.Equal(t, StatusWaiting, insts[0].Status)
	require.Equal(t, []string{"tpl-welcome"}, gw.refs())

	// Phase 3: the timer armed in phase 2 lived in that process's heap;
	// Recover re-arms it from the stored resume time.
	b3 := open()
	fired, err := b3.Engine.FireDueTimers(ctx, clock.Advance(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	drainBundle(t, ctx, b3)

	inst, err := GetInstance(ctx, b3.Engine, insts[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, []string{"tpl-welcome", "tpl-tips"}, gw.refs())
}
