package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/specimen"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/idgen"
	"github.com/lis/lis/internal/platform/metrics"
)

// App holds the assembled lifecycle service and the resources it owns.
type App struct {
	svc     *specimen.Service
	sweeper *specimen.Sweeper
	pool    *pgxpool.Pool
	pinger  db.Pinger
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type memoryPinger struct{}

func (memoryPinger) Ping(context.Context) error { return nil }

// buildApp wires storage, identity generation, events and metrics into the
// specimen service according to cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{}
	repo, err := openStore(ctx, cfg, logger, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	ids, err := newIDGenerator(ctx, cfg, repo, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	publisher, err := newPublisher(cfg, logger, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	svc := specimen.NewService(repo, ids, specimen.Config{
		ExpiryWindow:        cfg.ExpiryWindow,
		ExpiryPolicy:        specimen.ExpiryPolicy(cfg.ExpiryPolicy),
		WriteTimeout:        cfg.WriteTimeout,
		BulkWorkers:         cfg.BulkWorkers,
		BulkConflictRetries: cfg.BulkConflictRetries,
		MaxIdentityAttempts: cfg.IDMaxAttempts,
		SweepBatch:          cfg.SweepBatch,
	}, logger)
	m := metrics.New(reg)
	async := events.NewAsyncPublisher(publisher, events.AsyncOptions{
		OnError: func(ev events.Event, err error) {
			m.IncrementPublishFailures()
			logger.Warn().Err(err).
				Str("event", string(ev.Type)).
				Str("specimen_id", ev.SpecimenID).
				Msg("failed to deliver specimen event")
		},
	})
	app.closers = append(app.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("specimen events not fully delivered before shutdown")
		}
	})
	svc.SetPublisher(async)
	svc.SetMetrics(m)
	app.svc = svc

	app.sweeper = specimen.NewSweeper(svc, cfg.SweepInterval, logger)
	if app.pool != nil {
		app.sweeper.SetScope(db.ForEachSite(app.pool))
	}
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, app *App) (specimen.Repository, error) {
	switch cfg.Store {
	case "postgres":
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.closers = append(app.closers, pool.Close)
		app.pool, app.pinger = pool, pool
		logger.Info().Str("default_site", cfg.DefaultSite).Msg("connected to database")
		return specimen.NewRepoPG(pool), nil
	case "sqlite":
		repo, err := specimen.NewSQLiteRepo(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = repo.Close() })
		app.pinger = repo
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return repo, nil
	case "memory":
		app.pinger = memoryPinger{}
		logger.Warn().Msg("using in-memory store: specimens are lost on restart")
		return specimen.NewMemoryRepo(), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func newIDGenerator(ctx context.Context, cfg *config.Config, repo specimen.Repository, app *App) (idgen.Generator, error) {
	if cfg.ResolvedIDScheme() == "random" {
		exists := func(ctx context.Context, kind idgen.Kind, value string) (bool, error) {
			if kind == idgen.KindBarcode {
				return repo.IdentityTaken(ctx, "", value)
			}
			return repo.IdentityTaken(ctx, value, "")
		}
		if app.pool != nil {
			exists = acrossSites(db.ForEachSite(app.pool), exists)
		}
		return idgen.NewRandomGenerator(exists, cfg.IDMaxAttempts, nil), nil
	}

	if cfg.RedisURL == "" {
		return idgen.NewSequenceGenerator(idgen.NewAtomicCounter(0), nil), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	app.closers = append(app.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return idgen.NewSequenceGenerator(idgen.NewRedisCounter(client), nil), nil
}

var errIdentityTaken = errors.New("identity taken")

// acrossSites reports an identity as taken when any site holds it, so random
// identifiers stay unique across every site schema of the database.
func acrossSites(scope specimen.ScopeFunc, exists idgen.ExistsFunc) idgen.ExistsFunc {
	return func(ctx context.Context, kind idgen.Kind, value string) (bool, error) {
		err := scope(ctx, func(sctx context.Context) error {
			taken, err := exists(sctx, kind, value)
			if err != nil {
				return err
			}
			if taken {
				return errIdentityTaken
			}
			return nil
		})
		if errors.Is(err, errIdentityTaken) {
			return true, nil
		}
		return false, err
	}
}

func newPublisher(cfg *config.Config, logger zerolog.Logger, app *App) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), nil
	}
	kp, err := events.NewKafkaPublisher(joinBrokers(cfg.KafkaBrokers), cfg.KafkaTopic)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, kp.Close)
	logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	return kp, nil
}
