package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PRIVSEARCH_CONFIG", "BRAVE_API_KEY", "KAGI_API_KEY", "GOOGLE_SEARCH_API_KEY",
		"GOOGLE_SEARCH_ID", "SEARXNG_BASE_URL", "SEARXNG_USERNAME", "SEARXNG_PASSWORD",
		"PRIVSEARCH_PROVIDERS", "PRIVSEARCH_TRANSPORT_MODE", "PRIVSEARCH_PRIVACY_LEVEL",
		"PRIVSEARCH_DOH_PROVIDER", "PRIVSEARCH_PROXY", "PRIVSEARCH_PROXY_TYPE",
		"PRIVSEARCH_ROTATE_IDENTITY", "PRIVSEARCH_RANDOMIZE_TIMING", "PRIVSEARCH_OBFUSCATE_TRAFFIC",
		"PRIVSEARCH_DECOY_TRAFFIC", "PRIVSEARCH_DECOY_SINK_URL", "PRIVSEARCH_CACHE_TTL",
		"PRIVSEARCH_RESULT_CACHE_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	require.NoError(t, err)

	assert.Equal(t, ModeQueued, cfg.Transport.Mode)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Transport.CacheTTL)
	assert.Equal(t, "medium", cfg.Privacy.Level)
	assert.Equal(t, 3, cfg.Aggregator.DomainCap)
	assert.Equal(t, 2, cfg.Aggregator.OverRepresentedCap)
	assert.Contains(t, cfg.Aggregator.OverRepresentedDomains, "wikipedia.org")
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  max_concurrent: 2
  max_requests_per_second: 0.5
transport:
  mode: direct
  retries: 1
privacy:
  level: high
  randomize_timing: true
  min_delay: 200ms
  max_delay: 2s
  doh_provider: quad9
providers:
  searxng_urls:
    - https://searx.one/
    - " https://searx.two "
aggregator:
  domain_cap: 4
`), 0o600))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Queue.MaxConcurrent)
	assert.InDelta(t, 0.5, cfg.Queue.MaxRequestsPerSecond, 1e-9)
	assert.Equal(t, ModeDirect, cfg.Transport.Mode)
	assert.Equal(t, 1, cfg.Transport.Retries)
	assert.Equal(t, "high", cfg.Privacy.Level)
	assert.True(t, cfg.Privacy.RandomizeTiming)
	assert.Equal(t, 200*time.Millisecond, cfg.Privacy.MinDelay)
	assert.Equal(t, 2*time.Second, cfg.Privacy.MaxDelay)
	assert.Equal(t, "quad9", cfg.Privacy.DoHProvider)
	assert.Equal(t, []string{"https://searx.one", "https://searx.two"}, cfg.Providers.SearXNGURLs)
	assert.Equal(t, 4, cfg.Aggregator.DomainCap)
	// untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  brave_api_key: from-file\n"), 0o600))

	t.Setenv("BRAVE_API_KEY", "from-env")
	t.Setenv("SEARXNG_BASE_URL", "https://a.example, https://b.example/")
	t.Setenv("PRIVSEARCH_PROVIDERS", "brave,searxng")
	t.Setenv("PRIVSEARCH_PROXY", "127.0.0.1:9050")
	t.Setenv("PRIVSEARCH_DECOY_TRAFFIC", "true")

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Providers.BraveAPIKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Providers.SearXNGURLs)
	assert.True(t, cfg.ProviderEnabled("Brave"))
	assert.False(t, cfg.ProviderEnabled("duckduckgo"))
	assert.True(t, cfg.Privacy.UseProxy)
	assert.Equal(t, "127.0.0.1:9050", cfg.Privacy.ProxyAddress)
	assert.True(t, cfg.Privacy.DecoyTraffic)
}

func TestLoad_ConfigPathFromEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  mode: direct\n"), 0o600))
	t.Setenv("PRIVSEARCH_CONFIG", path)

	cfg, err := Load("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, cfg.Transport.Mode)
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [unclosed"), 0o600))

	_, err := Load(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown transport mode",
			mutate:  func(c *Config) { c.Transport.Mode = "carrier-pigeon" },
			wantErr: "transport.mode",
		},
		{
			name: "inverted delays",
			mutate: func(c *Config) {
				c.Privacy.MinDelay = 2 * time.Second
				c.Privacy.MaxDelay = time.Second
			},
			wantErr: "privacy.max_delay",
		},
		{
			name: "proxy without address",
			mutate: func(c *Config) {
				c.Privacy.UseProxy = true
				c.Privacy.ProxyAddress = ""
			},
			wantErr: "proxy_address",
		},
		{
			name: "unsupported proxy type",
			mutate: func(c *Config) {
				c.Privacy.UseProxy = true
				c.Privacy.ProxyAddress = "127.0.0.1:1080"
				c.Privacy.ProxyType = "ftp"
			},
			wantErr: "proxy_type",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Transport.Retries = -1 },
			wantErr: "transport.retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeQueued, cfg.Transport.Mode)
	assert.Equal(t, DefaultDomainCap, cfg.Aggregator.DomainCap)
	assert.Equal(t, DefaultLimit, cfg.Aggregator.DefaultLimit)
	assert.Equal(t, "none", cfg.Privacy.DoHProvider)
	assert.Equal(t, "medium", cfg.Privacy.Level)
	assert.Equal(t, "en", cfg.Providers.WikipediaLanguage)
}

func TestValidate_JitterNeverExceedsBase(t *testing.T) {
	cfg := Default()
	cfg.Queue.BaseDelay = 100 * time.Millisecond
	cfg.Queue.Jitter = time.Second
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.Jitter)
}

func TestLoadDotEnv(t *testing.T) {
	const key = "PRIVSEARCH_DOTENV_CHECK"
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=dotenv-value\n"), 0o600))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "dotenv-value", os.Getenv(key))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
