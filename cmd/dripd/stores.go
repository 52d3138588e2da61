package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/drip/internal/config"
	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/internal/taskqueue"
	"github.com/petrijr/drip/internal/timer"
)

// backends is the storage a dripd process runs on.
type backends struct {
	persistence persistence.Persistence
	queue       taskqueue.Queue
	timer       timer.Timer

	closers []func(context.Context) error
}

func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// openBackends opens the primary store and layers Redis and MongoDB on top
// when they are enabled. On error everything opened so far is closed.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close(context.WithoutCancel(ctx))
		}
	}()

	var db *sql.DB
	switch cfg.Store.Driver {
	case config.DriverMemory:
		b.persistence = persistence.NewInMemory()
		b.queue = taskqueue.NewInMemoryQueue(0)
	case config.DriverSQLite:
		if db, err = persistence.OpenSQLite(cfg.Store.DSN); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
		s, err := persistence.NewSQLite(db)
		if err != nil {
			return nil, err
		}
		b.persistence = persistence.FromSQL(s)
		if b.queue, err = taskqueue.NewSQLiteQueue(db); err != nil {
			return nil, err
		}
	case config.DriverPostgres:
		if db, err = persistence.OpenPostgres(ctx, cfg.Store.DSN); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
		s, err := persistence.NewPostgres(db)
		if err != nil {
			return nil, err
		}
		b.persistence = persistence.FromSQL(s)
		if b.queue, err = taskqueue.NewSQLQueue(db, persistence.DialectPostgres); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	logger.Info("store_opened", slog.String("driver", cfg.Store.Driver))

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		rs := persistence.NewRedisStore(client, cfg.Redis.Prefix)
		b.persistence.Locks = rs
		b.persistence.Ledger = rs
		b.persistence.Assignments = rs
		b.timer = timer.NewRedis(client, cfg.Redis.Prefix)
		b.queue = taskqueue.NewRedisQueue(client, cfg.Redis.Prefix)
		logger.Info("redis_enabled", slog.String("addr", cfg.Redis.Addr))
	}

	if cfg.Mongo.Enabled {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		b.closers = append(b.closers, client.Disconnect)
		ms := persistence.NewMongoStore(client, cfg.Mongo.Database)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		b.persistence.Traits = ms
		b.persistence.Events = ms
		if cfg.Mongo.Queue {
			b.queue = taskqueue.NewMongoQueue(client, cfg.Mongo.Database, "queue_tasks")
		}
		logger.Info("mongo_enabled", slog.String("database", cfg.Mongo.Database), slog.Bool("queue", cfg.Mongo.Queue))
	}

	return b, nil
}
