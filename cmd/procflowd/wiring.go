package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/petrijr/procflow/internal/config"
	"github.com/petrijr/procflow/internal/engine"
	"github.com/petrijr/procflow/internal/jobqueue"
	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/internal/services"
	"github.com/petrijr/procflow/pkg/api"
	"github.com/petrijr/procflow/pkg/scheduler"
)

// app is the wired daemon.
type app struct {
	eng     engine.Runtime
	sched   *scheduler.Scheduler
	metrics *api.BasicMetrics
	logger  *slog.Logger
	closers []func() error
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// build opens the configured stores and wires engine and scheduler. On
// error everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{metrics: &api.BasicMetrics{}, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	var p persistence.Persistence
	var jobs jobqueue.Store

	switch cfg.Store.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		driver, dialect := "sqlite", persistence.SQLite
		if cfg.Store.Driver == config.DriverPostgres {
			driver, dialect = "pgx", persistence.Postgres
		}
		db, err := sql.Open(driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
		}
		a.closers = append(a.closers, db.Close)
		if dialect == persistence.SQLite {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping %s: %w", cfg.Store.Driver, err)
		}

		store, err := persistence.NewSQLStore(db, dialect)
		if err != nil {
			return nil, err
		}
		events, err := persistence.NewSQLEventStore(db, dialect)
		if err != nil {
			return nil, err
		}
		p = persistence.Persistence{Instances: store, Tasks: store, Events: events}

		if jobs, err = jobqueue.NewSQLStore(db, dialect); err != nil {
			return nil, err
		}
	default:
		mem := persistence.NewInMemoryStore()
		p = persistence.Persistence{Instances: mem, Tasks: mem, Events: persistence.NewInMemoryEventStore()}
		jobs = jobqueue.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		jobs = jobqueue.NewRedisStore(client, cfg.Redis.Prefix)
		logger.Info("job_store_redis", slog.String("addr", cfg.Redis.Addr))
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func() error { return client.Disconnect(context.Background()) })
		events := persistence.NewMongoEventStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err := events.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		p.Events = events
		logger.Info("history_store_mongo", slog.String("database", cfg.Mongo.Database))

		if cfg.Mongo.JobsCollection != "" && cfg.Redis.Addr == "" {
			store := jobqueue.NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.JobsCollection)
			if err := store.EnsureIndexes(ctx); err != nil {
				return nil, fmt.Errorf("mongo job indexes: %w", err)
			}
			jobs = store
			logger.Info("job_store_mongo", slog.String("collection", cfg.Mongo.JobsCollection))
		}
	}

	queue := jobqueue.New(jobs,
		jobqueue.WithRetryPolicy(cfg.Retry.Policy()),
		jobqueue.WithLogger(logger),
	)
	observer := api.NewCompositeObserver(api.NewLoggingObserver(logger), a.metrics)

	a.eng = engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Queue:       queue,
		Services: services.NewDefaultRegistry(services.Options{
			Logger:      logger,
			HTTPTimeout: cfg.Engine.HTTPTimeout,
		}),
		Observer:   observer,
		Logger:     logger,
		TimerDelay: cfg.Engine.TimerDelay,
		LeaseTTL:   cfg.Engine.LeaseTTL,
		LeaseWait:  cfg.Engine.LeaseWait,
	})
	a.sched = scheduler.New(queue, a.eng, scheduler.Config{
		PollInterval:    cfg.Scheduler.PollInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		Concurrency:     cfg.Scheduler.Concurrency,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		Retention:       cfg.Scheduler.Retention,
		StaleAfter:      cfg.Scheduler.StaleAfter,
		Observer:        observer,
		Logger:          logger,
	})
	return a, nil
}
