// Package config loads gateway configuration from the environment,
// following the same env-var-with-defaults convention as the process this
// codebase's tooling has always booted from, plus an optional .env file
// via godotenv for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of knobs the gateway process reads at startup.
// Every field has a conservative default; nothing here is required to run
// a local single-instance gateway.
type Config struct {
	Port    string
	TLSMode string // "off" | "tls" | "mtls"

	LogLevel  string
	LogFormat string

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	CORSAllowedOrigins []string

	// DefaultDomain is the gateway's own domain; a request's project is
	// resolved from it by taking the first path segment as the project
	// slug (internal/gateway/coordinator.HostResolver), falling back to a
	// custom-domain lookup for any other host.
	DefaultDomain string

	IsolatePoolMinSize    int
	IsolatePoolMaxSize    int
	IsolateAcquireTimeout time.Duration
	InvocationTimeout     time.Duration
	IsolateIdleTTL        time.Duration
	ReapInterval          time.Duration

	JWKSFetchTimeout  time.Duration
	JWKSCacheTTL      time.Duration
	JWKSNegativeTTL   time.Duration
	MiddlewareTimeout time.Duration

	SandboxHTTPTimeout     time.Duration
	SandboxMaxConcurrentFetch int
	SandboxMaxResponseBytes   int64

	MaxRequestBodyBytes int64
	RequestTimeout      time.Duration

	RedisAddr string // empty disables the Redis-backed snapshot mirror

	HeaderGateSecret string

	// PackageStoreDir is the root an upstream deploy step unpacks package
	// artifacts into, keyed by package hash (internal/packages.FilesystemSource).
	PackageStoreDir string
}

// Load builds a Config from the environment. If a .env file is present in
// the working directory it is loaded first (without overriding variables
// already set in the real environment), matching local-dev convention.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:    envOr("PORT", "8080"),
		TLSMode: strings.ToLower(envOr("GATEWAY_TLS_MODE", "off")),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 20),

		CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", "CORS_ORIGINS"),
		DefaultDomain:      strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY_DEFAULT_DOMAIN"))),

		IsolatePoolMinSize:    envInt("ISOLATE_POOL_MIN_SIZE", 2),
		IsolatePoolMaxSize:    envInt("ISOLATE_POOL_MAX_SIZE", 16),
		IsolateAcquireTimeout: envDuration("ISOLATE_ACQUIRE_TIMEOUT", 5*time.Second),
		InvocationTimeout:     envDuration("INVOCATION_TIMEOUT", 30*time.Second),
		IsolateIdleTTL:        envDuration("ISOLATE_IDLE_TTL", 5*time.Minute),
		ReapInterval:          envDuration("ISOLATE_REAP_INTERVAL", 30*time.Second),

		JWKSFetchTimeout:  envDuration("JWKS_FETCH_TIMEOUT", 5*time.Second),
		JWKSCacheTTL:      envDuration("JWKS_CACHE_TTL", 10*time.Minute),
		JWKSNegativeTTL:   envDuration("JWKS_NEGATIVE_CACHE_TTL", 30*time.Second),
		MiddlewareTimeout: envDuration("MIDDLEWARE_AUTH_TIMEOUT", 5*time.Second),

		SandboxHTTPTimeout:        envDuration("SANDBOX_HTTP_TIMEOUT", 10*time.Second),
		SandboxMaxConcurrentFetch: envInt("SANDBOX_MAX_CONCURRENT_FETCH", 4),
		SandboxMaxResponseBytes:   envInt64("SANDBOX_MAX_RESPONSE_BYTES", 5<<20),

		MaxRequestBodyBytes: envInt64("MAX_REQUEST_BODY_BYTES", 10<<20),
		RequestTimeout:      envDuration("REQUEST_TIMEOUT", 30*time.Second),

		RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),

		HeaderGateSecret: strings.TrimSpace(os.Getenv("X_SHARED_SECRET")),

		PackageStoreDir: envOr("PACKAGE_STORE_DIR", "./data/packages"),
	}

	if cfg.IsolatePoolMinSize < 0 || cfg.IsolatePoolMaxSize < 1 || cfg.IsolatePoolMinSize > cfg.IsolatePoolMaxSize {
		return nil, fmt.Errorf("config: invalid isolate pool bounds min=%d max=%d", cfg.IsolatePoolMinSize, cfg.IsolatePoolMaxSize)
	}
	switch cfg.TLSMode {
	case "off", "tls", "mtls":
	default:
		return nil, fmt.Errorf("config: invalid GATEWAY_TLS_MODE %q", cfg.TLSMode)
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envList(keys ...string) []string {
	for _, key := range keys {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
