package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/approval"
	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/dispatch"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/roles"
	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

// app holds every wired dependency of one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	gatherer *prometheus.Registry
	metrics  *observability.Metrics

	store     workflow.Store
	directory *roles.StaticDirectory
	roles     model.RoleResolver
	registry  *definition.Registry
	service   *approval.Service
	checks    observability.ReadinessChecks

	synced  atomic.Bool
	closers []func()
}

// newApp builds the store, role resolver, notifier, engine and service
// described by cfg. Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.gatherer = prometheus.NewRegistry()
	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.InitMetrics(a.gatherer)

	store, closer, err := buildStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	if err := a.buildRoles(); err != nil {
		a.close()
		return nil, err
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		a.close()
		return nil, err
	}

	a.registry = definition.NewRegistry(store)
	engine := workflow.NewEngine(a.registry, store, a.roles, engineOptions(cfg.Workflow, a.metrics)...)
	// The CLI owns no business records, so status changes are logged.
	targets := dispatch.NewTargetRegistry()
	targets.Fallback(func(kind string) dispatch.TargetHandler {
		return dispatch.NewLogTargetHandler(logger, kind)
	})
	dispatcher := dispatch.NewDispatcher(notifier, targets, logger)
	a.service = approval.NewService(engine, a.registry, dispatcher, logger, a.metrics)

	a.checks.DefinitionsLoaded = a.synced.Load
	if hc, ok := store.(observability.HealthChecker); ok {
		a.checks.WorkflowStore = hc
	}
	if hc, ok := a.roles.(observability.HealthChecker); ok {
		a.checks.RoleCache = hc
	}
	if hc, ok := notifier.(observability.HealthChecker); ok {
		a.checks.Notifier = hc
	}

	return a, nil
}

// syncDefinitions applies the configured template directories.
func (a *app) syncDefinitions(ctx context.Context) ([]definition.SyncResult, error) {
	results, err := a.service.SyncDefinitions(ctx, a.cfg.Definitions.Directories, a.cfg.Definitions.SyncActor)
	if err != nil {
		return results, err
	}
	a.synced.Store(true)
	return results, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func engineOptions(cfg config.WorkflowConfig, metrics *observability.Metrics) []workflow.Option {
	opts := []workflow.Option{
		workflow.WithMaxDelegationDepth(cfg.MaxDelegationDepth),
		workflow.WithLockRetries(cfg.LockRetries),
		workflow.WithRetryHook(metrics.RecordLockRetry),
	}
	if len(cfg.RoleHierarchy) > 0 {
		opts = append(opts, workflow.WithRolePolicy(model.RoleHierarchy(cfg.RoleHierarchy)))
	}
	if len(cfg.AdminRoles) > 0 {
		opts = append(opts, workflow.WithAdminRoles(cfg.AdminRoles...))
	}
	return opts
}

// buildStore creates the workflow store based on config.
func buildStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil, nil
	case config.DriverSQLite:
		store, err := workflow.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using sqlite workflow store", zap.String("path", cfg.Path))
		return store, func() { _ = store.Close() }, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
		}
		logger.Info("using postgres workflow store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func (a *app) buildRoles() error {
	dir, err := roles.NewStaticDirectory(a.cfg.Roles.DirectoryFile)
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	a.directory = dir
	a.roles = dir

	cache := a.cfg.Roles.Cache
	if cache.TTL == 0 {
		return nil
	}
	switch cache.Driver {
	case config.DriverRedis:
		client, err := a.redisClient(cache.AddrEnv, cache.DB)
		if err != nil {
			return fmt.Errorf("roles cache: %w", err)
		}
		a.roles = roles.NewRedisCachedResolver(client, dir, cache.TTL, cache.KeyPrefix).WithLogger(a.logger)
	default:
		a.roles = roles.NewCachedResolver(dir, cache.TTL)
	}
	return nil
}

func (a *app) buildNotifier() (dispatch.Notifier, error) {
	cfg := a.cfg.Notifications
	switch cfg.Driver {
	case config.DriverRedis:
		client, err := a.redisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("notifications: %w", err)
		}
		var notifier dispatch.Notifier = dispatch.NewRedisNotifier(client, cfg.Channel)
		if cfg.Breaker.FailureThreshold > 0 {
			breaker := dispatch.NewBreakerNotifier(notifier,
				cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold, cfg.Breaker.OpenTimeout)
			breaker.OnStateChange(func(from, to dispatch.BreakerState) {
				a.logger.Warn("notifier circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			})
			notifier = breaker
		}
		return notifier, nil
	default:
		return dispatch.NewLogNotifier(a.logger), nil
	}
}

func (a *app) redisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, errors.New(addrEnv + " environment variable not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}
