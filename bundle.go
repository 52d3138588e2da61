package drip

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/drip/internal/engine"
	"github.com/petrijr/drip/internal/ingest"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	workerpkg "github.com/petrijr/drip/pkg/worker"
)

// Ack acknowledges one ingested event.
type Ack = ingest.Ack

// WorkerBundle wires together an Engine, a durable task queue, the event
// ingestion pipeline and a Worker that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	pipeline *ingest.Pipeline
	// queue is kept unexported; the public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Campaigns, instances, traits and queued tasks
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := drip.OpenSQLite("drip.db")
//	bundle, err := drip.NewSQLiteBundle(db, gateway, worker.Config{})
//	// create campaigns on bundle.Engine, feed events through bundle.Ingest
//	// and run bundle.Worker, e.g. with worker.RunPool
func NewSQLiteBundle(db *sql.DB, gw Gateway, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	s, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(configure(persistence.FromSQL(s), gw, opts), q, cfg)
}

func newBundle(ecfg engine.Config, q taskqueue.Queue, wcfg workerpkg.Config) (*WorkerBundle, error) {
	ecfg.Queue = q
	eng, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}
	pl, err := ingest.New(ingest.Config{
		Persistence: ecfg.Persistence,
		Sink:        eng,
		Clock:       ecfg.Clock,
		Logger:      ecfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if wcfg.Logger == nil {
		wcfg.Logger = ecfg.Logger
	}
	return &WorkerBundle{
		Engine:   eng,
		Worker:   workerpkg.NewWithConfig(eng, q, wcfg),
		pipeline: pl,
		queue:    q,
	}, nil
}

// Ingest records a customer event, refreshes the customer's traits and
// proposes the resulting entries, exits and condition checks.
func (b *WorkerBundle) Ingest(ctx context.Context, ev Event) (Ack, error) {
	return b.pipeline.Ingest(ctx, ev)
}

// Suppress unsubscribes a customer, which ends all of their live instances.
func (b *WorkerBundle) Suppress(ctx context.Context, customerID string) (Ack, error) {
	return b.pipeline.Suppress(ctx, customerID)
}

// Sweep re-evaluates every known customer as of asOf, admitting customers
// whose membership changed with time alone.
func (b *WorkerBundle) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	return b.pipeline.Sweep(ctx, asOf)
}

// Pending returns the approximate number of queued tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
