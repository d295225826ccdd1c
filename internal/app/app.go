// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when the tree needs it)
//  2. initTree     — metrics registry and provider forest from the declarative config
//  3. initServices — request logger, geolocation
//  4. initServer   — HTTP front-end
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla-services/merino/internal/config"
	"github.com/mozilla-services/merino/internal/logger"
	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/provider"
	"github.com/mozilla-services/merino/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	geo       server.Geolocator
	prom      *metrics.Registry

	// mu serialises Rebuild against Close; the serving path reads the
	// forest through the atomic pointer and never takes it.
	mu      sync.Mutex
	tree    *provider.TreeConfig
	builder *provider.Builder
	forest  atomic.Pointer[provider.Forest]

	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"tree", a.initTree},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	forest := a.forest.Load()
	a.log.Info("starting merino",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(forest.Order)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = a.srv.Shutdown()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Rebuild materializes a fresh provider forest from the current providers
// file and swaps it in atomically. In-flight requests finish on the old
// forest. On any failure the previous forest stays live and the error is
// returned — a reconfiguration never takes the service down.
func (a *App) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tree, err := a.cfg.LoadTree(a.cfg.ProvidersFile)
	if err != nil {
		return fmt.Errorf("app: rebuild: %w", err)
	}

	if config.NeedsRedis(tree) && a.rdb == nil {
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("app: rebuild: redis: %w", err)
		}
		a.rdb = rdb
	}

	builder := provider.NewBuilder(a.builderDeps())
	forest, err := builder.BuildAll(ctx, tree)
	if err != nil {
		builder.Close()
		return fmt.Errorf("app: rebuild: %w", err)
	}

	old := a.builder
	a.tree = tree
	a.builder = builder
	a.forest.Store(forest)

	if old != nil {
		// Stops the old forest's background loops; the old providers
		// keep answering any still-running requests from their last
		// snapshot.
		old.Close()
	}

	a.log.Info("provider tree rebuilt", slog.Int("providers", len(forest.Order)))
	return nil
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			a.log.Error("geolocator close error", slog.String("error", err.Error()))
		}
		a.geo = nil
	}
	if a.builder != nil {
		a.builder.Close()
		a.builder = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("REDIS_URL is required by the configured provider tree")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
