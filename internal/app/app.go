/*
Package app assembles a running gateway from configuration.

New builds every component in dependency order: registry, breakers, pools,
result cache, search index, entity memory with its SQLite store and
flusher, metrics and finally the dispatcher. The HTTP API, the MCP server
and the CLI all start from an *App.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/gateway"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/metrics"
	"github.com/khanglvm/bi-gateway/internal/pool"
	"github.com/khanglvm/bi-gateway/internal/registry"
	"github.com/khanglvm/bi-gateway/internal/search"
	"github.com/khanglvm/bi-gateway/internal/storage"
	"github.com/khanglvm/bi-gateway/internal/version"
)

// Options override parts of the assembly.
type Options struct {
	Logger *slog.Logger

	// Registry replaces the built-in tool catalog.
	Registry *registry.Registry

	// Dialers replace the configured transport per service.
	Dialers map[string]pool.Dialer

	// Store replaces the SQLite memory store. Ignored when NoPersistence
	// is set.
	Store storage.Storage

	// NoPersistence keeps memory in process only.
	NoPersistence bool
}

// App holds the assembled components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *registry.Registry
	Breakers *breaker.Set
	Pools    *pool.Group
	// Dialers are the per-service transports behind Pools.
	Dialers map[string]pool.Dialer

	// Cache is nil when caching is disabled.
	Cache   *cache.Cache
	Index   *search.Indexer
	Memory  *memory.Memory
	Storage storage.Storage
	// Flusher is nil when persistence is off or the store is unavailable.
	Flusher *memory.Flusher

	Metrics    *metrics.Aggregator
	Dispatcher *gateway.Dispatcher
}

// New builds an App. Only programming errors and an unusable tool catalog
// fail; unavailable Redis or SQLite degrade to in-process behaviour.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: opts.Registry,
		Breakers: breaker.NewSet(cfg.Breaker, logger),
		Pools:    pool.NewGroup(),
		Dialers:  make(map[string]pool.Dialer),
	}
	if a.Registry == nil {
		a.Registry = registry.Default()
	}

	for _, name := range cfg.ServiceNames() {
		dialer, ok := opts.Dialers[name]
		if !ok {
			var err error
			if dialer, err = newDialer(cfg.Services[name], logger); err != nil {
				a.Close()
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
		}
		a.Dialers[name] = dialer
		a.Pools.Add(pool.New(name, dialer, pool.Options{
			Size:           cfg.Pool.Size,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			RateLimit:      cfg.Pool.RateLimit,
			Gate:           a.Breakers.Get(name),
			Logger:         logger,
		}))
	}
	for _, svc := range a.Registry.Services() {
		if _, ok := a.Dialers[svc]; !ok {
			logger.Warn("tools registered for a service with no configuration", "service", svc)
		}
	}

	if cfg.Cache.Enabled {
		a.Cache = newCache(ctx, cfg.Cache, logger)
	}

	index, err := search.NewIndexer()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Index = index
	if err := index.IndexTools(toolDocs(a.Registry)); err != nil {
		logger.Warn("failed to index tools", "error", err)
	}

	a.Memory = memory.New(memory.Options{
		MaxEntities: cfg.Memory.MaxEntities,
		MaxTurns:    cfg.Memory.MaxTurns,
		Index:       index,
		Logger:      logger,
	})
	if !opts.NoPersistence {
		a.Storage = opts.Store
		if a.Storage == nil {
			a.Storage = storage.NewStorage(cfg.Memory.Path, logger)
		}
		a.openMemoryStore(ctx)
	}

	a.Metrics = metrics.New(metrics.Options{
		Circuits: a.Breakers,
		Pools:    a.Pools,
		Cache:    cacheProvider(a.Cache),
		Memory:   a.Memory,
	})

	retryPolicy := cfg.Retry
	retryPolicy.Retryable = gateway.IsTransient
	a.Dispatcher, err = gateway.New(gateway.Options{
		Registry:    a.Registry,
		Pools:       a.Pools,
		Breakers:    a.Breakers,
		Cache:       a.Cache,
		CacheTTL:    cfg.Cache.TTL,
		Memory:      a.Memory,
		Metrics:     a.Metrics,
		Retry:       retryPolicy,
		CallTimeout: cfg.Pool.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("gateway ready",
		"services", len(a.Dialers),
		"tools", a.Registry.Len(),
		"cache", a.Cache != nil,
		"persistence", a.Flusher != nil)
	return a, nil
}

func (a *App) openMemoryStore(ctx context.Context) {
	if err := a.Storage.Init(); err != nil {
		a.Logger.Warn("memory persistence unavailable", "error", err)
	}
	if !a.Storage.Enabled() {
		return
	}
	a.Memory.Restore(ctx, a.Storage)
	a.Flusher = memory.NewFlusher(a.Memory, a.Storage, a.Config.Memory.FlushInterval, a.Logger)
}

// Close stops the flusher (which saves a last time) and releases every
// resource. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Flusher != nil {
		a.Flusher.Stop()
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if a.Pools != nil {
		if err := a.Pools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pools: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.Index != nil {
		if err := a.Index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newDialer(svc config.ServiceConfig, logger *slog.Logger) (pool.Dialer, error) {
	switch svc.Transport {
	case config.TransportHTTP:
		return pool.NewHTTPDialer(svc.URL), nil
	case config.TransportStdio:
		return &pool.StdioDialer{
			Command:       svc.Command,
			Args:          svc.Args,
			Env:           svc.Env,
			ClientName:    "bi-gateway",
			ClientVersion: version.Version,
			Logger:        logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", svc.Transport)
	}
}

// newCache prefers Redis when configured and falls back to the in-process
// store when Redis cannot be reached.
func newCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) *cache.Cache {
	if cfg.RedisURL != "" {
		store, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err == nil {
			logger.Info("result cache using redis")
			return cache.New(store, cfg.TTL, logger)
		}
		logger.Warn("redis unavailable, using in-memory cache", "error", err)
	}

	c, err := cache.NewInMemory(cfg.TTL, cfg.MaxEntries, logger)
	if err != nil {
		logger.Warn("result cache disabled", "error", err)
		return nil
	}
	return c
}

// cacheProvider keeps a nil *cache.Cache from becoming a non-nil interface.
func cacheProvider(c *cache.Cache) metrics.CacheProvider {
	if c == nil {
		return nil
	}
	return c
}

func toolDocs(r *registry.Registry) []search.ToolDoc {
	all := r.All()
	docs := make([]search.ToolDoc, 0, len(all))
	for _, d := range all {
		docs = append(docs, search.ToolDoc{Service: d.Service, Name: d.Name, Description: d.Description})
	}
	return docs
}
