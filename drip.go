package drip

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/drip/internal/abtest"
	"github.com/petrijr/drip/internal/engine"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/timer"
	"github.com/petrijr/drip/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = api.Engine
	Campaign           = api.Campaign
	CampaignSpec       = api.CampaignSpec
	CampaignStats      = api.CampaignStats
	ReentryPolicy      = api.ReentryPolicy
	Segment            = api.Segment
	Predicate          = api.Predicate
	Value              = api.Value
	Snapshot           = api.Snapshot
	Event              = api.Event
	WorkflowDefinition = api.WorkflowDefinition
	WorkflowInstance   = api.WorkflowInstance
	InstanceFilter     = api.InstanceFilter
	HistoryEvent       = api.HistoryEvent
	Step               = api.Step
	Variant            = api.Variant
	Status             = api.Status
	RetryPolicy        = api.RetryPolicy
	Trigger            = api.Trigger
	EntryResult        = api.EntryResult
	Gateway            = api.Gateway
	GatewayFunc        = api.GatewayFunc
	DeliveryRequest    = api.DeliveryRequest
	DeliveryResult     = api.DeliveryResult
	Clock              = api.Clock
	ManualClock        = api.ManualClock
	Observer           = api.Observer
	LoggingObserver    = api.LoggingObserver
	BasicMetrics       = api.BasicMetrics
	CompositeObserver  = api.CompositeObserver
	NoopObserver       = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewManualClock       = api.NewManualClock
)

// Re-export status values and reasons for convenience.

const (
	StatusActive    = api.StatusActive
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusExited    = api.StatusExited
	StatusFailed    = api.StatusFailed

	ReasonDone        = api.ReasonDone
	ReasonSegmentExit = api.ReasonSegmentExit
	ReasonExitEvent   = api.ReasonExitEvent
	ReasonCancelled   = api.ReasonCancelled

	CampaignRunning   = api.CampaignRunning
	CampaignPaused    = api.CampaignPaused
	CampaignScheduled = api.CampaignScheduled
	CampaignCancelled = api.CampaignCancelled

	ReentryNever         = api.ReentryNever
	ReentryAfterTerminal = api.ReentryAfterTerminal

	DeliverySent      = api.DeliverySent
	DeliveryFailed    = api.DeliveryFailed
	DeliveryDuplicate = api.DeliveryDuplicate
)

// Option adjusts how an engine is built.
type Option func(*engine.Config)

// WithClock replaces the wall clock, e.g. with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(cfg *engine.Config) { cfg.Clock = c }
}

// WithObserver installs an Observer.
func WithObserver(obs Observer) Option {
	return func(cfg *engine.Config) { cfg.Observer = obs }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engine.Config) { cfg.Logger = l }
}

// WithRetry sets the retry policy of send steps that carry none.
func WithRetry(p RetryPolicy) Option {
	return func(cfg *engine.Config) { cfg.Retry = p }
}

// WithSalt salts A/B allocation. Changing the salt reshuffles every future
// assignment; assignments already made are persisted and kept.
func WithSalt(salt string) Option {
	return func(cfg *engine.Config) { cfg.Allocator = abtest.Allocator{Salt: salt} }
}

// WithRedis moves pair locks, the delivery ledger, variant assignments and
// timers to Redis so several processes can share one deployment.
func WithRedis(client *redis.Client, prefix string) Option {
	return func(cfg *engine.Config) {
		rs := persistence.NewRedisStore(client, prefix)
		cfg.Persistence.Locks = rs
		cfg.Persistence.Ledger = rs
		cfg.Persistence.Assignments = rs
		cfg.Timer = timer.NewRedis(client, prefix)
	}
}

// WithMongo moves trait profiles and the event log to MongoDB.
func WithMongo(client *mongo.Client, database string) Option {
	return func(cfg *engine.Config) {
		ms := persistence.NewMongoStore(client, database)
		cfg.Persistence.Traits = ms
		cfg.Persistence.Events = ms
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(gw Gateway, opts ...Option) (Engine, error) {
	return engine.New(configure(persistence.NewInMemory(), gw, opts))
}

// NewSQLiteEngine returns an Engine that keeps all state in a SQLite
// database, see OpenSQLite.
func NewSQLiteEngine(db *sql.DB, gw Gateway, opts ...Option) (Engine, error) {
	s, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	return engine.New(configure(persistence.FromSQL(s), gw, opts))
}

// NewPostgresEngine returns an Engine that keeps all state in PostgreSQL,
// see OpenPostgres.
func NewPostgresEngine(db *sql.DB, gw Gateway, opts ...Option) (Engine, error) {
	s, err := persistence.NewPostgres(db)
	if err != nil {
		return nil, err
	}
	return engine.New(configure(persistence.FromSQL(s), gw, opts))
}

// OpenSQLite opens a SQLite database tuned for the engine.
func OpenSQLite(path string) (*sql.DB, error) {
	return persistence.OpenSQLite(path)
}

// OpenPostgres opens a PostgreSQL database through the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	return persistence.OpenPostgres(ctx, dsn)
}

func configure(p persistence.Persistence, gw Gateway, opts []Option) engine.Config {
	cfg := engine.Config{Persistence: p, Gateway: gw}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Convenience helpers that just forward to the underlying Engine.

// Launch creates a campaign and admits every customer already in its
// segment.
func Launch(ctx context.Context, eng Engine, spec CampaignSpec) (*Campaign, error) {
	return eng.CreateCampaign(ctx, spec)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances matching filter.
func ListInstances(ctx context.Context, eng Engine, filter InstanceFilter) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, filter)
}

// History returns the ordered history of an instance.
func History(ctx context.Context, eng Engine, id string) ([]HistoryEvent, error) {
	return eng.History(ctx, id)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	if err := drip.Recover(ctx, engine); err != nil { ... }
func Recover(ctx context.Context, eng Engine) error {
	return eng.Recover(ctx)
}
