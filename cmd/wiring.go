package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/admission"
	"github.com/nethalo/sologate/internal/cache"
	"github.com/nethalo/sologate/internal/complexity"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/store"
	"github.com/nethalo/sologate/internal/warehouse"
	"github.com/nethalo/sologate/internal/worker"
)

// app holds the wired pipeline. Every command that talks to the warehouse
// builds one and defers Close.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	redis       *store.Redis
	pool        *warehouse.Pool
	async       *worker.Pool
	cache       *cache.TwoTier
	invalidator *cache.Invalidator
	estimator   *complexity.Estimator
	limiter     *admission.Limiter
	gateway     *gateway.Orchestrator
	engine      *export.Engine
	reaper      *export.Reaper
}

// buildApp wires every component from configuration. Redis and ClickHouse are
// both verified at boot so a bad address fails here, not mid-request.
func buildApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	redisStore := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ConnectTimeout)
	defer cancel()
	if err := redisStore.Ping(ctx); err != nil {
		redisStore.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	pool, err := warehouse.New(cfg.ClickHouse, cfg.Pool, nil, logger)
	if err != nil {
		redisStore.Close()
		return nil, err
	}

	async := worker.New(4, 1024, logger)
	resultCache := cache.New(cfg.Cache, redisStore, async, logger)
	invalidator := cache.NewInvalidator(resultCache, pool, cfg.Cache.InvalidationInterval, logger)
	estimator := complexity.New(pool, logger)
	limiter := admission.New(redisStore, cfg.RateLimit, logger)
	orch := gateway.New(pool, estimator, limiter, resultCache, cfg, logger)

	queue := export.NewRedisQueue(redisStore.Client())
	engine := export.New(queue, pool, estimator, cfg.Export, logger)
	reaper := export.NewReaper(cfg.Export.Dir, queue,
		time.Duration(cfg.Export.ExpirationHours)*time.Hour, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		redis:       redisStore,
		pool:        pool,
		async:       async,
		cache:       resultCache,
		invalidator: invalidator,
		estimator:   estimator,
		limiter:     limiter,
		gateway:     orch,
		engine:      engine,
		reaper:      reaper,
	}, nil
}

// Close tears the pipeline down in reverse dependency order. The async pool
// drains first so pending tier-2 writes still have a live Redis connection.
func (a *app) Close() {
	a.async.Close()
	a.pool.Close()
	a.redis.Close()
}

// newApp loads configuration and wires the pipeline for a CLI command.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, newLogger(cfg))
}
