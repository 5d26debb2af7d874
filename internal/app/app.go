// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initSettings — persisted invalid-key store
//  3. initUpstream — the backend transport (Gemini API or Vertex AI)
//  4. initServices — cache backend, metrics registry, async request logger
//  5. initKeyPool  — key pool, bootstrap validation, background probing
//  6. initGateway  — proxy + sweeper + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	ggCache "github.com/solara-labs/gemini-gateway/internal/cache"
	"github.com/solara-labs/gemini-gateway/internal/config"
	"github.com/solara-labs/gemini-gateway/internal/keypool"
	"github.com/solara-labs/gemini-gateway/internal/logger"
	"github.com/solara-labs/gemini-gateway/internal/metrics"
	"github.com/solara-labs/gemini-gateway/internal/proxy"
	"github.com/solara-labs/gemini-gateway/internal/settings"
	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	store     *settings.Store
	transport upstream.Transport

	reqLogger *logger.Logger
	memCache  *ggCache.MemoryCache
	cacheImpl ggCache.Cache

	prom *metrics.Registry

	pool      *keypool.Manager
	validator *keypool.Validator
	// bootKey is the first validated key, used to fetch the model list after
	// the server is up.
	bootKey string

	sweeper *proxy.Sweeper
	mgmt    *proxy.ManagementRoutes
	gw      *proxy.Gateway
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
		{"settings", a.initSettings},
		{"upstream", a.initUpstream},
		{"services", a.initServices},
		{"keypool", a.initKeyPool},
		{"gateway", a.initGateway},
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

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("backend", a.cfg.Backend),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("live_keys", a.pool.Len()),
	)

	a.fetchModels()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.sweeper != nil {
		a.sweeper.Close()
		a.sweeper = nil
	}
	if a.validator != nil {
		a.validator.Close()
		a.validator = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// fetchModels retrieves the model list from the upstream in the background
// and publishes it to the gateway. Failures leave the static fallback in
// place — GET /v1/models always has something to serve.
func (a *App) fetchModels() {
	if a.bootKey == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("model_fetch_panic", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(a.baseCtx, 30*time.Second)
		defer cancel()

		models, err := a.transport.ListModels(ctx, a.bootKey)
		if err != nil {
			a.log.Warn("model_fetch_failed", slog.String("error", err.Error()))
			return
		}
		a.gw.SetModels(models)
		a.log.Info("models loaded", slog.Int("count", len(models)))
	}()
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
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

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
