package config

import (
	"context"
	"fmt"
	"log/slog"

	"idsync/pkg/connector"
	"idsync/pkg/ledger"
	"idsync/pkg/metrics"
	"idsync/pkg/ratelimit"
	"idsync/pkg/reconcile"
	"idsync/pkg/store"
	"idsync/pkg/stream"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	openPostgres = store.NewPostgresPool
	openRedis    = store.NewRedis
)

// Runtime holds the process-wide dependencies of an Orchestrator.
type Runtime struct {
	Config     Config
	Connectors *connector.Registry
	Ledger     ledger.Ledger
	Lock       store.Cache
	Redactor   *ledger.Redactor
	Metrics    *metrics.Registry
	Events     *stream.Hub

	redis   *redis.Client
	pool    *pgxpool.Pool
	limiter ratelimit.Limiter
	closers []func()
}

// Open connects the backends cfg selects and registers a connector for each
// of systems. Call Close when done.
func Open(ctx context.Context, cfg Config, systems []string) (*Runtime, error) {
	rt := &Runtime{
		Config:   cfg,
		Redactor: cfg.Redactor(),
		Metrics:  metrics.NewRegistry(),
		Events:   stream.NewHub(),
	}
	reg, err := connector.NewRegistry()
	if err != nil {
		return nil, err
	}
	rt.Connectors = reg

	if cfg.usesRedis() {
		client, err := openRedis(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.redis = client
		rt.closers = append(rt.closers, func() { _ = client.Close() })
	}

	switch cfg.Ledger {
	case LedgerPostgres:
		pool, err := openPostgres(ctx)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rt.pool = pool
		rt.closers = append(rt.closers, pool.Close)
		rt.Ledger = ledger.NewPostgres(pool, rt.Redactor)
	default:
		rt.Ledger = ledger.NewMemory()
	}

	if cfg.ConnectorRate > 0 {
		if rt.redis != nil {
			rt.limiter = ratelimit.NewRedis(rt.redis, cfg.RateWindow)
		} else {
			rt.limiter = ratelimit.NewInMemory(cfg.RateWindow)
		}
	}

	switch cfg.Lock {
	case LockRedis:
		rt.Lock = store.NewCache(ctx, rt.redis)
	case LockMemory:
		rt.Lock = store.NewMemoryCache()
	}

	if cfg.Connectors == ConnectorsHTTP {
		for _, system := range cfg.HTTPSystems() {
			c := connector.NewHTTP(system, cfg.HTTPConnectors[system])
			if cfg.HTTPToken != "" {
				c.Headers = map[string]string{"Authorization": "Bearer " + cfg.HTTPToken}
			}
			if err := rt.register(c); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}
	if err := rt.EnsureSystems(systems); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// EnsureSystems registers a connector for every system not yet known. With
// HTTP connectors endpoints are fixed at startup, so unknown systems are left
// for the run precheck to reject. It must not be called while a run is active.
func (rt *Runtime) EnsureSystems(systems []string) error {
	for _, system := range systems {
		if _, ok := rt.Connectors.Get(system); ok {
			continue
		}
		var c connector.Connector
		switch rt.Config.Connectors {
		case ConnectorsMemory:
			c = connector.NewMemory(system)
		case ConnectorsRedis:
			c = connector.NewRedis(rt.redis, system)
		default:
			continue
		}
		if err := rt.register(c); err != nil {
			return err
		}
	}
	return nil
}

// register wraps c in the shared call budget when IDSYNC_CONNECTOR_RATE is set.
func (rt *Runtime) register(c connector.Connector) error {
	if rt.limiter != nil {
		c = connector.NewThrottled(c, rt.limiter, rt.Config.ConnectorRate)
	}
	return rt.Connectors.Register(c)
}

// Orchestrator returns an orchestrator sharing the runtime's dependencies.
func (rt *Runtime) Orchestrator(logger *slog.Logger) *reconcile.Orchestrator {
	return &reconcile.Orchestrator{
		Connectors: rt.Connectors,
		Ledger:     rt.Ledger,
		Options:    rt.Config.Options(),
		Logger:     logger,
		Metrics:    rt.Metrics,
		Events:     rt.Events,
		Redactor:   rt.Redactor,
		Lock:       rt.Lock,
	}
}

// Ping checks the backends that have a connection.
func (rt *Runtime) Ping(ctx context.Context) error {
	if rt.pool != nil {
		if err := rt.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
