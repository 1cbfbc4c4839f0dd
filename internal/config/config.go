package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/obfuscate"
	"github.com/sammcj/privsearch/internal/queue"
)

const (
	// DefaultConfigPath is read when PRIVSEARCH_CONFIG is unset
	DefaultConfigPath = "~/.privsearch/config.yaml"

	ModeQueued = "queued"
	ModeDirect = "direct"

	DefaultTransportTimeout   = 15 * time.Second
	DefaultTransportRetries   = 3
	DefaultResponseCacheTTL   = 5 * time.Minute
	DefaultResultCacheTTL     = 10 * time.Minute
	DefaultProviderTimeout    = 20 * time.Second
	DefaultDomainCap          = 3
	DefaultOverRepresentedCap = 2
	DefaultLimit              = 10
	DefaultMaxLimit           = 50
)

// Config is the complete runtime configuration
type Config struct {
	Queue      queue.Config   `yaml:"queue"`
	Breaker    breaker.Config `yaml:"breaker"`
	Transport  Transport      `yaml:"transport"`
	Privacy    PrivacyProfile `yaml:"privacy"`
	Providers  Providers      `yaml:"providers"`
	Aggregator Aggregator     `yaml:"aggregator"`
}

// Transport selects the executor and its per-request defaults
type Transport struct {
	// Mode is "queued" (retries belong to the queue) or "direct"
	Mode     string        `yaml:"mode"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PrivacyProfile is the set of privacy toggles applied to outbound requests.
// It is read-only once loaded.
type PrivacyProfile struct {
	RotateIdentity   bool          `yaml:"rotate_identity"`
	RandomizeTiming  bool          `yaml:"randomize_timing"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	ObfuscateTraffic bool          `yaml:"obfuscate_traffic"`
	Level            string        `yaml:"level"`
	// DoHProvider is none, cloudflare, google, quad9 or an https URL
	DoHProvider  string `yaml:"doh_provider"`
	UseProxy     bool   `yaml:"use_proxy"`
	ProxyType    string `yaml:"proxy_type"`
	ProxyAddress string `yaml:"proxy_address"`
	DecoyTraffic bool   `yaml:"decoy_traffic"`
	// DecoySinkURL receives decoy queries; the query is sent as the q parameter
	DecoySinkURL string                `yaml:"decoy_sink_url"`
	Decoy        obfuscate.DecoyConfig `yaml:"decoy"`
}

// Providers holds source credentials and the enabled set
type Providers struct {
	// Enabled restricts which providers are built; empty means all available
	Enabled           []string `yaml:"enabled"`
	BraveAPIKey       string   `yaml:"brave_api_key"`
	KagiAPIKey        string   `yaml:"kagi_api_key"`
	GoogleAPIKey      string   `yaml:"google_api_key"`
	GoogleSearchID    string   `yaml:"google_search_id"`
	SearXNGURLs       []string `yaml:"searxng_urls"`
	SearXNGUsername   string   `yaml:"searxng_username"`
	SearXNGPassword   string   `yaml:"searxng_password"`
	WikipediaLanguage string   `yaml:"wikipedia_language"`
	DisableDuckDuckGo bool     `yaml:"disable_duckduckgo"`
}

// Aggregator tunes merging, ranking and result caching
type Aggregator struct {
	DiverseSources         []string      `yaml:"diverse_sources"`
	OverRepresentedDomains []string      `yaml:"over_represented_domains"`
	DomainCap              int           `yaml:"domain_cap"`
	OverRepresentedCap     int           `yaml:"over_represented_cap"`
	DefaultLimit           int           `yaml:"default_limit"`
	MaxLimit               int           `yaml:"max_limit"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
	ProviderTimeout        time.Duration `yaml:"provider_timeout"`
	// Seed fixes the random relevance fallback; zero picks one at start-up
	Seed uint64 `yaml:"seed"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Queue: queue.Config{
			MaxConcurrent:        queue.DefaultMaxConcurrent,
			MaxRequestsPerSecond: queue.DefaultMaxRequestsPerSecond,
			MaxRetries:           queue.DefaultMaxRetries,
			BaseDelay:            time.Second,
			MaxDelay:             30 * time.Second,
			Jitter:               250 * time.Millisecond,
			Timeout:              queue.DefaultTimeout,
		},
		Breaker: breaker.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MonitoringWindow: 60 * time.Second,
		},
		Transport: Transport{
			Mode:     ModeQueued,
			Timeout:  DefaultTransportTimeout,
			Retries:  DefaultTransportRetries,
			CacheTTL: DefaultResponseCacheTTL,
		},
		Privacy: PrivacyProfile{
			RotateIdentity:   true,
			RandomizeTiming:  false,
			MinDelay:         100 * time.Millisecond,
			MaxDelay:         1500 * time.Millisecond,
			ObfuscateTraffic: false,
			Level:            string(obfuscate.LevelMedium),
			DoHProvider:      "none",
			ProxyType:        "socks5",
			Decoy: obfuscate.DecoyConfig{
				MinInterval: obfuscate.DefaultDecoyMinInterval,
				MaxInterval: obfuscate.DefaultDecoyMaxInterval,
			},
		},
		Providers: Providers{
			WikipediaLanguage: "en",
		},
		Aggregator: Aggregator{
			DiverseSources:         []string{"searxng", "duckduckgo"},
			OverRepresentedDomains: []string{"wikipedia.org", "britannica.com", "encyclopedia.com"},
			DomainCap:              DefaultDomainCap,
			OverRepresentedCap:     DefaultOverRepresentedCap,
			DefaultLimit:           DefaultLimit,
			MaxLimit:               DefaultMaxLimit,
			CacheTTL:               DefaultResultCacheTTL,
			ProviderTimeout:        DefaultProviderTimeout,
		},
	}
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path (or PRIVSEARCH_CONFIG, or the default
// location), applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string, logger *logrus.Logger) (*Config, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if path == "" {
		path = os.Getenv("PRIVSEARCH_CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}

	configPath, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		if explicit {
			logger.WithField("config_path", configPath).Info("Configuration file not found, using defaults")
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}

// applyEnv overlays credentials and selected toggles from the environment
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&c.Providers.BraveAPIKey, "BRAVE_API_KEY")
	setString(&c.Providers.KagiAPIKey, "KAGI_API_KEY")
	setString(&c.Providers.GoogleAPIKey, "GOOGLE_SEARCH_API_KEY")
	setString(&c.Providers.GoogleSearchID, "GOOGLE_SEARCH_ID")
	setString(&c.Providers.SearXNGUsername, "SEARXNG_USERNAME")
	setString(&c.Providers.SearXNGPassword, "SEARXNG_PASSWORD")
	if v := os.Getenv("SEARXNG_BASE_URL"); v != "" {
		c.Providers.SearXNGURLs = splitList(v)
	}
	if v := os.Getenv("PRIVSEARCH_PROVIDERS"); v != "" {
		c.Providers.Enabled = splitList(v)
	}

	setString(&c.Transport.Mode, "PRIVSEARCH_TRANSPORT_MODE")
	setString(&c.Privacy.Level, "PRIVSEARCH_PRIVACY_LEVEL")
	setString(&c.Privacy.DoHProvider, "PRIVSEARCH_DOH_PROVIDER")
	if v := strings.TrimSpace(os.Getenv("PRIVSEARCH_PROXY")); v != "" {
		c.Privacy.ProxyAddress = v
		c.Privacy.UseProxy = true
	}
	setString(&c.Privacy.ProxyType, "PRIVSEARCH_PROXY_TYPE")
	setBool(&c.Privacy.RotateIdentity, "PRIVSEARCH_ROTATE_IDENTITY")
	setBool(&c.Privacy.RandomizeTiming, "PRIVSEARCH_RANDOMIZE_TIMING")
	setBool(&c.Privacy.ObfuscateTraffic, "PRIVSEARCH_OBFUSCATE_TRAFFIC")
	setBool(&c.Privacy.DecoyTraffic, "PRIVSEARCH_DECOY_TRAFFIC")
	setString(&c.Privacy.DecoySinkURL, "PRIVSEARCH_DECOY_SINK_URL")
	setDuration(&c.Transport.CacheTTL, "PRIVSEARCH_CACHE_TTL")
	setDuration(&c.Aggregator.CacheTTL, "PRIVSEARCH_RESULT_CACHE_TTL")
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and fills zero values with defaults
func (c *Config) Validate() error {
	def := Default()

	c.Transport.Mode = strings.ToLower(strings.TrimSpace(c.Transport.Mode))
	switch c.Transport.Mode {
	case "":
		c.Transport.Mode = ModeQueued
	case ModeQueued, ModeDirect:
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", ModeQueued, ModeDirect, c.Transport.Mode)
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = def.Transport.Timeout
	}
	if c.Transport.Retries < 0 {
		return fmt.Errorf("transport.retries must not be negative, got %d", c.Transport.Retries)
	}
	if c.Transport.CacheTTL <= 0 {
		c.Transport.CacheTTL = def.Transport.CacheTTL
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.Jitter > c.Queue.BaseDelay && c.Queue.BaseDelay > 0 {
		c.Queue.Jitter = c.Queue.BaseDelay
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}

	p := &c.Privacy
	if p.MinDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("privacy delays must not be negative")
	}
	if p.MaxDelay < p.MinDelay {
		return fmt.Errorf("privacy.max_delay (%s) is below privacy.min_delay (%s)", p.MaxDelay, p.MinDelay)
	}
	p.Level = string(obfuscate.ParseLevel(p.Level))
	if p.DoHProvider == "" {
		p.DoHProvider = "none"
	}
	p.ProxyType = strings.ToLower(strings.TrimSpace(p.ProxyType))
	if p.ProxyType == "" {
		p.ProxyType = "socks5"
	}
	if p.UseProxy {
		if p.ProxyType != "socks5" && p.ProxyType != "http" {
			return fmt.Errorf("privacy.proxy_type must be socks5 or http, got %q", p.ProxyType)
		}
		if p.ProxyAddress == "" {
			return fmt.Errorf("privacy.proxy_address is required when use_proxy is set")
		}
	}

	a := &c.Aggregator
	if a.DomainCap <= 0 {
		a.DomainCap = def.Aggregator.DomainCap
	}
	if a.OverRepresentedCap <= 0 {
		a.OverRepresentedCap = def.Aggregator.OverRepresentedCap
	}
	if a.MaxLimit <= 0 {
		a.MaxLimit = def.Aggregator.MaxLimit
	}
	if a.DefaultLimit <= 0 {
		a.DefaultLimit = def.Aggregator.DefaultLimit
	}
	if a.DefaultLimit > a.MaxLimit {
		a.DefaultLimit = a.MaxLimit
	}
	if a.CacheTTL <= 0 {
		a.CacheTTL = def.Aggregator.CacheTTL
	}
	if a.ProviderTimeout <= 0 {
		a.ProviderTimeout = def.Aggregator.ProviderTimeout
	}

	if c.Providers.WikipediaLanguage == "" {
		c.Providers.WikipediaLanguage = "en"
	}
	for i, u := range c.Providers.SearXNGURLs {
		c.Providers.SearXNGURLs[i] = strings.TrimSuffix(strings.TrimSpace(u), "/")
	}
	return nil
}

// ProviderEnabled reports whether name is in the enabled set.
// An empty set enables everything.
func (c *Config) ProviderEnabled(name string) bool {
	if len(c.Providers.Enabled) == 0 {
		return true
	}
	for _, n := range c.Providers.Enabled {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
