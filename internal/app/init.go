package app

import (
	"context"
	"fmt"
	"log/slog"

	ggCache "github.com/solara-labs/gemini-gateway/internal/cache"
	"github.com/solara-labs/gemini-gateway/internal/keypool"
	"github.com/solara-labs/gemini-gateway/internal/logger"
	"github.com/solara-labs/gemini-gateway/internal/metrics"
	"github.com/solara-labs/gemini-gateway/internal/proxy"
	"github.com/solara-labs/gemini-gateway/internal/ratelimit"
	"github.com/solara-labs/gemini-gateway/internal/settings"
	"github.com/solara-labs/gemini-gateway/internal/upstream/gemini"
	"github.com/solara-labs/gemini-gateway/internal/upstream/vertex"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initSettings opens the persisted invalid-key store. Keys recorded there are
// never probed or pooled again.
func (a *App) initSettings(_ context.Context) error {
	store, err := settings.Open(a.cfg.Settings.Path)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	a.store = store

	if n := len(store.InvalidKeys()); n > 0 {
		a.log.Info("persisted invalid keys loaded",
			slog.Int("count", n),
			slog.String("path", a.cfg.Settings.Path),
		)
	}
	return nil
}

// initUpstream builds the backend transport selected by BACKEND.
func (a *App) initUpstream(ctx context.Context) error {
	switch a.cfg.Backend {
	case "gemini":
		var opts []gemini.Option
		if a.cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
		}
		a.transport = gemini.New(opts...)

	case "vertex":
		var opts []vertex.Option
		if a.cfg.VertexAI.Location != "" {
			opts = append(opts, vertex.WithLocation(a.cfg.VertexAI.Location))
		}
		tr, err := vertex.New(ctx, a.cfg.VertexAI.Project, opts...)
		if err != nil {
			return err
		}
		a.transport = tr

	default:
		return fmt.Errorf("unknown backend: %s", a.cfg.Backend)
	}

	a.log.Info("upstream transport ready", slog.String("backend", a.transport.Name()))
	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the async request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.cacheImpl = ggCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = ggCache.NewMemoryCache(a.cfg.Cache.MaxEntries)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries),
		)

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initKeyPool builds the key pool and validates candidates. The first valid
// key is installed synchronously so the server starts able to serve; the rest
// are probed in the background. Startup fails only when no candidate at all
// probes valid.
func (a *App) initKeyPool(ctx context.Context) error {
	a.pool = keypool.New(a.store, a.log)

	var candidates []string
	switch a.cfg.Backend {
	case "gemini":
		for _, key := range a.cfg.Gemini.APIKeys {
			if a.store.IsInvalid(key) {
				a.log.Info("skipping persisted invalid key",
					slog.String("key", keypool.Digest(key)),
				)
				continue
			}
			candidates = append(candidates, key)
		}
	case "vertex":
		// The ADC credential is pooled under a handle; there is only one.
		candidates = []string{vertex.CredentialHandle}
	}

	if len(candidates) == 0 {
		return fmt.Errorf("every configured key is in the persisted invalid set")
	}

	if a.cfg.Bootstrap.SkipKeyCheck {
		a.log.Warn("key validation skipped (SKIP_KEY_CHECK=true)")
		for _, key := range candidates {
			a.pool.Add(key)
		}
		a.bootKey = candidates[0]
		snap := a.pool.Snapshot()
		a.prom.SetKeyPool(snap.Live, snap.Invalid)
		return nil
	}

	a.validator = keypool.NewValidator(a.baseCtx, a.pool, a.transport, a.log, keypool.ValidatorOptions{
		ProbeTimeout: a.cfg.Bootstrap.ProbeTimeout,
		ProbeDelay:   a.cfg.Bootstrap.ProbeDelay,
	})

	firstValid, rest := a.validator.Bootstrap(ctx, candidates)
	if firstValid == "" {
		return fmt.Errorf("no candidate key passed validation")
	}
	a.bootKey = firstValid

	a.validator.ValidateRemaining(rest)

	snap := a.pool.Snapshot()
	a.prom.SetKeyPool(snap.Live, snap.Invalid)
	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		MaxRetries:      a.cfg.Retry.MaxRetries,
		UpstreamTimeout: a.cfg.Retry.UpstreamTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
	}

	gw := proxy.NewGateway(a.baseCtx, a.pool, a.transport, a.cacheImpl, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger.
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Background scheduler reaping expired cache entries and stale flights.
	a.sweeper = proxy.NewSweeper(a.baseCtx, gw, a.cfg.SweepInterval, a.log, a.prom)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
