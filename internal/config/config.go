// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GEMINI_API_KEYS becomes
// gemini_api_keys in YAML.
//
// Only the key pool (or a Vertex project) is strictly required for the gateway
// to start. Redis is optional — set CACHE_MODE=memory to use the built-in
// in-process cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Backend selects the upstream transport: "gemini" (API keys against the
	// Gemini API) or "vertex" (Application Default Credentials against
	// Vertex AI). Default: "gemini".
	Backend string

	// Gemini holds the rotating API key pool and optional endpoint override.
	Gemini GeminiConfig

	// VertexAI holds Google Vertex AI settings (used when Backend is "vertex").
	VertexAI VertexAIConfig

	// Settings controls where permanently-invalid keys are persisted.
	Settings SettingsConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Bootstrap controls startup key validation.
	Bootstrap BootstrapConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Retry controls key-rotation retry behaviour per request.
	Retry RetryConfig

	// SweepInterval is how often the background scheduler reaps expired cache
	// entries and stale in-flight trackers. Default: 60s.
	SweepInterval time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// GeminiConfig holds the Gemini API key pool.
type GeminiConfig struct {
	// APIKeys is the candidate key pool, comma-separated in GEMINI_API_KEYS.
	// Required when Backend is "gemini".
	APIKeys []string

	// BaseURL overrides the Gemini API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required when Backend is "vertex".
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// SettingsConfig controls persistence of permanently-invalid keys.
type SettingsConfig struct {
	// Path is the JSON settings file recording invalidated keys across
	// restarts. Default: "settings.json".
	Path string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for multi-replica.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live stamped on entries at write time. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the in-memory cache. When full, the oldest-inserted
	// entry is evicted. Ignored for the Redis backend. Default: 1000.
	MaxEntries int
}

// BootstrapConfig controls startup key validation.
type BootstrapConfig struct {
	// SkipKeyCheck starts the gateway with every configured key assumed live,
	// skipping probes entirely. Default: false.
	SkipKeyCheck bool

	// ProbeTimeout bounds each validation probe. A probe that exceeds it marks
	// the key invalid. Default: 10s.
	ProbeTimeout time.Duration

	// ProbeDelay is the pause between background probes, keeping startup
	// validation from tripping upstream rate limits. Default: 250ms.
	ProbeDelay time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0. Requires REDIS_URL when set.
	RPMLimit int
}

// RetryConfig controls key-rotation retries per request.
type RetryConfig struct {
	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// UpstreamTimeout is the per-attempt upstream timeout. Default: 30s.
	UpstreamTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// GEMINI_API_KEYS (or VERTEX_PROJECT with BACKEND=vertex) must be configured.
// REDIS_URL is only required when CACHE_MODE=redis or RPM_LIMIT > 0.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND", "gemini")
	v.SetDefault("VERTEX_LOCATION", "us-central1")
	v.SetDefault("SETTINGS_PATH", "settings.json")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 1000)
	v.SetDefault("SWEEP_INTERVAL", "60s")

	// Bootstrap validation defaults.
	v.SetDefault("SKIP_KEY_CHECK", false)
	v.SetDefault("PROBE_TIMEOUT", "10s")
	v.SetDefault("PROBE_DELAY", "250ms")

	// Retry defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Backend:  strings.ToLower(v.GetString("BACKEND")),

		Gemini: GeminiConfig{
			APIKeys: splitKeys(v.GetString("GEMINI_API_KEYS")),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
		},

		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		Settings: SettingsConfig{Path: v.GetString("SETTINGS_PATH")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
		},

		Bootstrap: BootstrapConfig{
			SkipKeyCheck: v.GetBool("SKIP_KEY_CHECK"),
			ProbeTimeout: v.GetDuration("PROBE_TIMEOUT"),
			ProbeDelay:   v.GetDuration("PROBE_DELAY"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Retry: RetryConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		SweepInterval: v.GetDuration("SWEEP_INTERVAL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Backend {
	case "gemini":
		if len(c.Gemini.APIKeys) == 0 {
			return fmt.Errorf(
				"config: GEMINI_API_KEYS is required when BACKEND=gemini; " +
					"set it to a comma-separated list of API keys",
			)
		}
	case "vertex":
		if c.VertexAI.Project == "" {
			return fmt.Errorf("config: VERTEX_PROJECT is required when BACKEND=vertex")
		}
	default:
		return fmt.Errorf(
			"config: invalid BACKEND %q; must be one of: gemini, vertex",
			c.Backend,
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// The sliding-window limiter lives in Redis.
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Retry.MaxRetries)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be a positive duration")
	}
	if c.Bootstrap.ProbeTimeout <= 0 {
		return fmt.Errorf("config: PROBE_TIMEOUT must be a positive duration")
	}

	return nil
}

// splitKeys parses a comma-separated key list, trimming whitespace and
// dropping empty and duplicate entries while preserving order.
func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, part := range strings.Split(s, ",") {
		key := strings.TrimSpace(part)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
