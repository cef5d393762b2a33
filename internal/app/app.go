// Package app is the composition root: it builds the one cache manager,
// limiter registry, and state tracker a process shares, and passes them
// explicitly to everything that needs them instead of hiding them in
// globals.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/szaher/profilegate/internal/cache"
	"github.com/szaher/profilegate/internal/config"
	"github.com/szaher/profilegate/internal/kv"
	"github.com/szaher/profilegate/internal/maintenance"
	"github.com/szaher/profilegate/internal/ratelimit"
	"github.com/szaher/profilegate/internal/safety"
	"github.com/szaher/profilegate/internal/state"
	"github.com/szaher/profilegate/internal/telemetry"
)

// App holds the per-process shared instances of the access layer.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Cache    *cache.Manager
	Limiters *ratelimit.Registry
	Tracker  *state.Tracker
	Checker  *safety.Checker

	etcdClient *clientv3.Client
	diskTier   *cache.DiskTier
	scheduler  *maintenance.Scheduler
}

// New assembles the layer from configuration. An unreachable shared store
// degrades the assembly (memory state fallback, local-only limiting, fewer
// cache tiers) rather than failing it; only a broken disk tier or invalid
// safety rules are construction errors.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := telemetry.NewLogger(os.Stderr, logLevel(cfg.LogLevel))
	metrics := telemetry.NewMetrics()

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	// The etcd client dials lazily; construction succeeds even when the
	// store is down, and every dependent re-probes reachability per call.
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout.Std(),
	})
	if err != nil {
		logger.Warn("shared store client unavailable, running degraded", "error", err)
		etcdClient = nil
	}
	a.etcdClient = etcdClient

	a.Cache, err = a.buildCache(telemetry.ComponentLogger(ctx, logger, "cache"), metrics)
	if err != nil {
		return nil, err
	}

	a.Limiters = a.buildLimiters(telemetry.ComponentLogger(ctx, logger, "ratelimit"), metrics)
	a.Tracker = a.buildTracker(ctx, telemetry.ComponentLogger(ctx, logger, "state"), metrics)

	a.Checker, err = safety.NewChecker(cfg.Safety.Rules, telemetry.ComponentLogger(ctx, logger, "safety"))
	if err != nil {
		return nil, fmt.Errorf("assemble safety checker: %w", err)
	}

	if err := a.startMaintenance(telemetry.ComponentLogger(ctx, logger, "maintenance")); err != nil {
		return nil, fmt.Errorf("assemble maintenance scheduler: %w", err)
	}

	return a, nil
}

func (a *App) buildCache(logger *slog.Logger, metrics *telemetry.Metrics) (*cache.Manager, error) {
	memory := cache.NewMemoryTier(a.Config.Cache.MemoryTTL.Std())

	var shared *cache.SharedTier
	if a.etcdClient != nil {
		store := kv.NewEtcd(a.etcdClient,
			kv.WithOpTimeout(a.Config.Etcd.OpTimeout.Std()),
			kv.WithLogger(logger))
		shared = cache.NewSharedTier(store, a.Config.Cache.SharedTTL.Std())
	}

	disk, err := cache.OpenDiskTier(a.Config.Cache.DiskDir, a.Config.Cache.DiskTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("assemble disk cache: %w", err)
	}
	a.diskTier = disk

	return cache.NewManager(memory, shared, disk,
		cache.WithLogger(logger),
		cache.WithMetrics(metrics)), nil
}

func (a *App) buildLimiters(logger *slog.Logger, metrics *telemetry.Metrics) *ratelimit.Registry {
	cfg := a.Config
	defaults := ratelimit.Quota{
		Capacity:     cfg.Limiter.Default.Capacity,
		RefillWindow: cfg.Limiter.Default.RefillWindow.Std(),
	}

	build := func(tenant string, quota ratelimit.Quota) *ratelimit.Limiter {
		opts := []ratelimit.LimiterOption{
			ratelimit.WithLowWater(cfg.Limiter.LowWater),
			ratelimit.WithMaxWait(cfg.Limiter.MaxWait.Std()),
			ratelimit.WithLimiterLogger(logger),
			ratelimit.WithLimiterMetrics(metrics),
		}
		if a.etcdClient != nil {
			opts = append(opts, ratelimit.WithCoordination(a.etcdClient, cfg.Etcd.OpTimeout.Std()))
		}
		return ratelimit.NewLimiter(tenant, quota, opts...)
	}

	registry := ratelimit.NewRegistry(defaults, build)
	for tenant, quota := range cfg.Limiter.Tenants {
		registry.SetQuota(tenant, ratelimit.Quota{
			Capacity:     quota.Capacity,
			RefillWindow: quota.RefillWindow.Std(),
		})
	}
	return registry
}

func (a *App) buildTracker(ctx context.Context, logger *slog.Logger, metrics *telemetry.Metrics) *state.Tracker {
	cfg := a.Config

	var backend state.Backend
	switch {
	case cfg.State.PostgresDSN != "":
		pg, err := state.NewPostgresBackend(ctx, cfg.State.PostgresDSN,
			state.WithPostgresRetention(cfg.State.Retention.Std()),
			state.WithPostgresLogger(logger))
		if err != nil {
			logger.Warn("state database unavailable, using in-memory fallback", "error", err)
			backend = state.NewMemoryBackend(state.WithMemoryRetention(cfg.State.Retention.Std()))
		} else {
			backend = pg
		}

	case a.etcdClient != nil && kv.NewEtcd(a.etcdClient).Available(ctx):
		backend = state.NewEtcdBackend(a.etcdClient,
			state.WithEtcdRetention(cfg.State.Retention.Std()),
			state.WithEtcdOpTimeout(cfg.Etcd.OpTimeout.Std()),
			state.WithEtcdLogger(logger))

	default:
		logger.Warn("shared store unreachable, task state is process-local only")
		backend = state.NewMemoryBackend(state.WithMemoryRetention(cfg.State.Retention.Std()))
	}

	return state.NewTracker(backend,
		state.WithTrackerLogger(logger),
		state.WithTrackerMetrics(metrics))
}

func (a *App) startMaintenance(logger *slog.Logger) error {
	scheduler := maintenance.New(logger)

	if err := scheduler.Add("@every 5m", "disk-cache-gc", func(context.Context) error {
		a.diskTier.RunGC(logger)
		return nil
	}); err != nil {
		return err
	}

	if err := scheduler.Add("@every 1h", "state-retention-sweep", func(ctx context.Context) error {
		removed, err := a.Tracker.Sweep(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Info("swept expired task states", "removed", removed)
		}
		return nil
	}); err != nil {
		return err
	}

	scheduler.Start()
	a.scheduler = scheduler
	return nil
}

// ApplyConfig takes a hot-reloaded configuration and applies the parts
// that can change at runtime: tenant quotas.
func (a *App) ApplyConfig(cfg *config.Config) {
	for tenant, quota := range cfg.Limiter.Tenants {
		a.Limiters.SetQuota(tenant, ratelimit.Quota{
			Capacity:     quota.Capacity,
			RefillWindow: quota.RefillWindow.Std(),
		})
	}
	a.Logger.Info("applied tenant quota updates", "tenants", len(cfg.Limiter.Tenants))
}

// Close releases store clients and stops maintenance.
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Tracker != nil {
		a.Tracker.Close()
	}
	var firstErr error
	if a.diskTier != nil {
		if err := a.diskTier.Close(); err != nil {
			firstErr = err
		}
	}
	if a.etcdClient != nil {
		if err := a.etcdClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
