package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/config"
	"github.com/sky93/dripflow/internal/gateway"
	"github.com/sky93/dripflow/internal/logging"
	"github.com/sky93/dripflow/internal/operations"
	"github.com/sky93/dripflow/internal/registry"
	"github.com/sky93/dripflow/internal/store"
	"github.com/sky93/dripflow/internal/workflow"
)

// app is the fully wired engine for one process.
type app struct {
	db         *sql.DB
	redis      *redis.Client
	queue      *dripflow.Queue
	store      *store.SQLStore
	registry   *registry.Registry
	scheduler  *workflow.Scheduler
	dispatcher *workflow.Dispatcher
	ops        *operations.Service
}

// newApp opens connections, migrates the schema and wires every component.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	dialect, err := dripflow.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	db, err := dripflow.OpenDB(dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 && dialect != dripflow.DialectSQLite {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	a := &app{db: db}

	info, errLog := logging.QueueHooks(logger)
	qcfg := dripflow.Config{
		DB:                db,
		Dialect:           dialect,
		DbName:            cfg.Database.Schema,
		Queue:             cfg.Broker.Queue,
		Attempts:          cfg.Broker.Attempts,
		BackoffTime:       cfg.Broker.Backoff,
		BackoffMultiplier: cfg.Broker.BackoffMultiplier,
		MaxBackoff:        cfg.Broker.BackoffMax,
		PollInterval:      cfg.Broker.PollInterval,
		JobTimeout:        cfg.Broker.JobTimeout,
		LockTimeout:       cfg.Broker.LockTimeout,
		KeepCompleted:     cfg.Broker.KeepCompleted,
		KeepFailed:        cfg.Broker.KeepFailed,
		InfoLog:           info,
		ErrorLog:          errLog,
	}
	if strings.EqualFold(cfg.Broker.Backend, "redis") {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		qcfg.Redis = a.redis
		qcfg.RedisPrefix = cfg.Redis.Prefix
	}

	if a.queue, err = dripflow.New(qcfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.queue.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrating queue: %w", err)
	}

	a.store = store.New(db, dialect, store.WithSchema(cfg.Database.Schema))
	if err := a.store.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Kind:    cfg.Gateway.Kind,
		URL:     cfg.Gateway.URL,
		From:    cfg.Gateway.From,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.Gateway.Timeout,
	}, logger.With(slog.String("component", "gateway")))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.registry = registry.New(a.store,
		registry.WithLogger(logger.With(slog.String("component", "registry"))),
		registry.WithStepCounter(workflow.TotalSteps))
	a.scheduler = workflow.NewScheduler(a.queue,
		workflow.WithKeyPrefix(cfg.Broker.JobKeyPrefix),
		workflow.WithSchedulerLogger(logger.With(slog.String("component", "scheduler"))))
	a.dispatcher = workflow.NewDispatcher(workflow.Deps{
		Runs:      a.registry,
		Scheduler: a.scheduler,
		Contacts:  a.store,
		Tasks:     a.store,
		Messages:  a.store,
		Gateway:   gw,
		Logger:    logger.With(slog.String("component", "dispatcher")),
	})
	a.dispatcher.Register(a.queue)
	a.ops = operations.New(a.queue, a.registry, a.scheduler, logger.With(slog.String("component", "operations")))
	return a, nil
}

// Close stops the queue and closes connections.
func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
