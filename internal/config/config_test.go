package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "PORT", "GATEWAY_TLS_MODE", "RATE_LIMIT_WINDOW", "GATEWAY_DEFAULT_DOMAIN", "PACKAGE_STORE_DIR")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "off", cfg.TLSMode)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "", cfg.DefaultDomain)
	assert.Equal(t, "./data/packages", cfg.PackageStoreDir)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestLoad_ReadsOverrides(t *testing.T) {
	clearEnv(t, "PORT", "GATEWAY_DEFAULT_DOMAIN", "RATE_LIMIT_REQUESTS")
	os.Setenv("PORT", "9090")
	os.Setenv("GATEWAY_DEFAULT_DOMAIN", "Gateway.Example.com")
	os.Setenv("RATE_LIMIT_REQUESTS", "500")
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("GATEWAY_DEFAULT_DOMAIN")
		os.Unsetenv("RATE_LIMIT_REQUESTS")
	})

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "gateway.example.com", cfg.DefaultDomain)
	assert.Equal(t, 500, cfg.RateLimitRequests)
}

func TestLoad_RejectsInvalidTLSMode(t *testing.T) {
	clearEnv(t, "GATEWAY_TLS_MODE")
	os.Setenv("GATEWAY_TLS_MODE", "bogus")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_TLS_MODE") })

	_, err := Load()

	assert.Error(t, err)
}

func TestLoad_RejectsInvalidIsolatePoolBounds(t *testing.T) {
	clearEnv(t, "ISOLATE_POOL_MIN_SIZE", "ISOLATE_POOL_MAX_SIZE")
	os.Setenv("ISOLATE_POOL_MIN_SIZE", "10")
	os.Setenv("ISOLATE_POOL_MAX_SIZE", "2")
	t.Cleanup(func() {
		os.Unsetenv("ISOLATE_POOL_MIN_SIZE")
		os.Unsetenv("ISOLATE_POOL_MAX_SIZE")
	})

	_, err := Load()

	assert.Error(t, err)
}
