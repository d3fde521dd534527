// Package fleetcore assembles the experiment engine from configuration:
// the state machine and its listeners, the credit ledger, the provider
// gateway pipeline, checkpointing and the outbound-contact limiters.
//
// Usage:
//
//	cfg := config.MustLoad()
//	engine, err := fleetcore.New(cfg, providers, logger)
//	defer engine.Close()
//
// The cmd/fleetcore binary is a thin wrapper around this package; embed
// it directly when the engine runs inside a larger process.
package fleetcore

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentfleet/fleetcore/budget"
	"github.com/agentfleet/fleetcore/checkpoint"
	"github.com/agentfleet/fleetcore/config"
	"github.com/agentfleet/fleetcore/experiment"
	"github.com/agentfleet/fleetcore/gateway"
	"github.com/agentfleet/fleetcore/internal/database"
	"github.com/agentfleet/fleetcore/internal/metrics"
	"github.com/agentfleet/fleetcore/ratelimit"
)

// Version is injected at build time.
var Version = "dev"

const redisProbeTimeout = 2 * time.Second

// Engine bundles every running component. Fields are exported so
// embedders can reach individual subsystems directly.
type Engine struct {
	Pool  *database.Pool
	Redis *redis.Client

	Bus        *experiment.Bus
	Machine    *experiment.StateMachine
	Dispatcher *experiment.StageDispatcher

	Ledger    *budget.Ledger
	Cost      *budget.CostCalculator
	AutoPause *budget.AutoPause

	Gateway *gateway.Gateway

	Checkpoints *checkpoint.Store
	Results     checkpoint.ResultStore

	Channels *ratelimit.ChannelLimiter
	Targets  *ratelimit.TargetLimiter

	Metrics  *metrics.Collector
	Registry *prometheus.Registry

	cfg    *config.Config
	logger *zap.Logger
}

// New opens the stores and wires the engine per cfg. When Redis is
// unreachable the queue, limiter windows and result cache degrade to
// their in-process implementations; a restart with Redis back restores
// the shared state paths. providers may be empty, leaving the gateway
// able to reject but not dispatch.
func New(cfg *config.Config, providers []gateway.Provider, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := pool.DB()
	models := experiment.Models()
	models = append(models, budget.Models()...)
	models = append(models, checkpoint.Models()...)
	models = append(models, gateway.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	redisUp := true
	probeCtx, cancel := context.WithTimeout(context.Background(), redisProbeTimeout)
	if err := rdb.Ping(probeCtx).Err(); err != nil {
		redisUp = false
		logger.Warn("redis unreachable, using in-process queue and limiter state",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("fleetcore", registry)

	bus := experiment.NewBus(logger)
	machine := experiment.NewStateMachine(db, bus, logger)
	machine.SetMetrics(collector)

	var queue experiment.Enqueuer
	if redisUp {
		queue = experiment.NewRedisQueue(rdb, "fleetcore:queue:")
	} else {
		queue = experiment.NewMemoryQueue()
	}
	dispatcher := experiment.NewStageDispatcher(db, queue, machine, logger)

	ledger := budget.NewLedger(db, logger)
	ledger.SetMetrics(collector)
	ledger.SetTxRunner(pool)
	cost := budget.NewCostCalculator(cfg.Budget.Prices, logger)
	autoPause := budget.NewAutoPause(ledger, machine, logger)

	bus.Subscribe(dispatcher.HandleTransition)
	bus.Subscribe(autoPause.HandleTransition)
	bus.Subscribe(collector.HandleTransition)

	var windows gateway.WindowStore
	if redisUp {
		windows = gateway.NewRedisWindowStore(rdb)
	} else {
		windows = gateway.NewMemoryWindowStore()
	}
	limiter := gateway.NewRateLimiter(windows, cfg.Gateway.ProviderCaps, cfg.Gateway.DefaultProviderCap, logger)
	limiter.SetMetrics(collector)
	records := gateway.NewRecordStore(db, logger)
	breaker := gateway.NewCircuitBreaker(
		gateway.NewGormBreakerStore(db),
		cfg.Gateway.BreakerThreshold,
		cfg.Gateway.BreakerCooldown,
		logger,
	)
	breaker.SetMetrics(collector)
	gw := gateway.New(providers, gateway.Options{
		DB:        db,
		Ledger:    ledger,
		Cost:      cost,
		Records:   records,
		Limiter:   limiter,
		Breaker:   breaker,
		Fallbacks: cfg.Gateway.Fallbacks,
		Metrics:   collector,
		Logger:    logger,
	})

	checkpoints := checkpoint.NewStore(db, logger)
	var results checkpoint.ResultStore
	if redisUp {
		results = checkpoint.NewRedisResultStore(rdb, logger)
	} else {
		results = checkpoint.NewMemoryResultStore()
	}

	var sliding ratelimit.SlidingStore
	var contacts ratelimit.ContactStore
	if redisUp {
		sliding = ratelimit.NewRedisSlidingStore(rdb)
		contacts = ratelimit.NewRedisContactStore(rdb)
	} else {
		sliding = ratelimit.NewMemorySlidingStore()
		contacts = ratelimit.NewMemoryContactStore()
	}
	channels := ratelimit.NewChannelLimiter(sliding, cfg.RateLimit.Channels, logger)
	channels.SetMetrics(collector)
	targets := ratelimit.NewTargetLimiter(contacts, cfg.RateLimit.TargetCooldown, logger)
	targets.SetMetrics(collector)

	return &Engine{
		Pool:        pool,
		Redis:       rdb,
		Bus:         bus,
		Machine:     machine,
		Dispatcher:  dispatcher,
		Ledger:      ledger,
		Cost:        cost,
		AutoPause:   autoPause,
		Gateway:     gw,
		Checkpoints: checkpoints,
		Results:     results,
		Channels:    channels,
		Targets:     targets,
		Metrics:     collector,
		Registry:    registry,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "engine")),
	}, nil
}

// RunCheckpointSweeper blocks, deleting checkpoints of long-completed
// steps at the configured cadence until ctx is cancelled.
func (e *Engine) RunCheckpointSweeper(ctx context.Context) {
	interval := e.cfg.Checkpoint.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := e.cfg.Checkpoint.SweepRetention
	if retention <= 0 {
		retention = checkpoint.DefaultSweepRetention
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := e.Checkpoints.SweepCompleted(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("checkpoint sweep failed", zap.Error(err))
				}
				continue
			}
			if swept > 0 {
				e.logger.Info("swept completed checkpoints", zap.Int64("count", swept))
			}
		}
	}
}

// Ping probes the engine's backing stores.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Close releases the database pool and the Redis client.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.Pool.Close(); err != nil {
		firstErr = err
	}
	if err := e.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
