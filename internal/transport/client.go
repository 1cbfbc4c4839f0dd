package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/cache"
	"github.com/sammcj/privsearch/internal/config"
	"github.com/sammcj/privsearch/internal/obfuscate"
	"github.com/sammcj/privsearch/internal/queue"
	"github.com/sammcj/privsearch/internal/retry"
	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/telemetry"
)

// RequestConfig describes one logical request
type RequestConfig struct {
	Method  string
	Headers http.Header
	Params  url.Values
	Body    []byte
	// Timeout bounds execution; zero uses the client default
	Timeout time.Duration
	// Retries is the direct-mode retry budget; zero uses the client default and
	// a negative value disables retries. Queued clients ignore it because the
	// queue owns retries.
	Retries  int
	Cache    bool
	Priority queue.Priority

	RotateIdentity   bool
	RandomizeTiming  bool
	ObfuscateTraffic bool
	// Privacy replaces the client's profile for this request. Its toggles are
	// combined with the ones above.
	Privacy *config.PrivacyProfile
}

// Client fetches raw bodies through the privacy and resilience pipeline
type Client struct {
	exec    executor
	obf     *obfuscate.Obfuscator
	profile config.PrivacyProfile
	cache   *cache.Cache[[]byte]
	timeout time.Duration
	retries int
	logger  *logrus.Logger
}

// Option customises a Client
type Option func(*Client)

// WithObfuscator enables identity rotation, decoy headers, padding and delays
func WithObfuscator(o *obfuscate.Obfuscator) Option {
	return func(c *Client) { c.obf = o }
}

// WithPrivacy sets the default profile applied to every request
func WithPrivacy(p config.PrivacyProfile) Option {
	return func(c *Client) { c.profile = p }
}

// WithCacheTTL sets how long cached GET bodies stay valid
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cache = cache.NewCache[[]byte](ttl)
		}
	}
}

// WithDefaults sets the per-request timeout and direct-mode retry budget
func WithDefaults(timeout time.Duration, retries int) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
		if retries >= 0 {
			c.retries = retries
		}
	}
}

func newClient(exec executor, logger *logrus.Logger, opts []Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		exec:    exec,
		cache:   cache.NewCache[[]byte](config.DefaultResponseCacheTTL),
		timeout: config.DefaultTransportTimeout,
		retries: config.DefaultTransportRetries,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewQueued returns a client that dispatches through q
func NewQueued(q *queue.Queue, logger *logrus.Logger, opts ...Option) *Client {
	return newClient(&queuedExecutor{queue: q}, logger, opts)
}

// NewDirect returns a client that fetches immediately with its own retry loop.
// breakers may be nil.
func NewDirect(httpClient queue.HTTPClient, breakers *breaker.Registry, policy retry.Policy, logger *logrus.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = retry.DefaultMaxDelay
	}
	return newClient(&directExecutor{
		client:   httpClient,
		breakers: breakers,
		policy:   policy,
		rnd:      rand.Float64,
		logger:   logger,
	}, logger, opts)
}

// Mode reports "queued" or "direct"
func (c *Client) Mode() string { return c.exec.name() }

// Request performs the request described by cfg and returns the raw body
func (c *Client) Request(ctx context.Context, rawURL string, cfg RequestConfig) ([]byte, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	u, err := buildURL(rawURL, cfg.Params)
	if err != nil {
		return nil, err
	}
	finalURL := u.String()
	endpoint := endpointOf(u)

	logger := c.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"method":   method,
		"mode":     c.exec.name(),
	})

	cacheable := cfg.Cache && method == http.MethodGet
	cacheKey := method + " " + finalURL
	if cacheable {
		if body, ok := c.cache.Get(cacheKey); ok {
			telemetry.RecordCacheOperation(ctx, "transport", true)
			logger.Debug("Serving response from cache")
			return append([]byte(nil), body...), nil
		}
		telemetry.RecordCacheOperation(ctx, "transport", false)
	}

	profile := c.profile
	if cfg.Privacy != nil {
		profile = *cfg.Privacy
	}
	rotate := cfg.RotateIdentity || profile.RotateIdentity
	obfuscateTraffic := cfg.ObfuscateTraffic || profile.ObfuscateTraffic
	randomizeTiming := cfg.RandomizeTiming || profile.RandomizeTiming

	header := cfg.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := cfg.Body

	if c.obf != nil {
		if rotate {
			header.Set("User-Agent", c.obf.NextUserAgent())
		}
		if obfuscateTraffic {
			for k, vs := range c.obf.DecoyHeaders() {
				if header.Get(k) == "" {
					header[k] = vs
				}
			}
			body = c.obf.Pad(header.Get("Content-Type"), body)
		}
		if randomizeTiming {
			if err := c.obf.Delay(ctx, profile.MinDelay, profile.MaxDelay); err != nil {
				return nil, searcherr.Classify(endpoint, err)
			}
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	retries := cfg.Retries
	switch {
	case retries == 0:
		retries = c.retries
	case retries < 0:
		retries = 0
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := c.exec.execute(execCtx, outbound{
		method:   method,
		url:      finalURL,
		endpoint: endpoint,
		header:   header,
		body:     body,
		priority: cfg.Priority,
		retries:  retries,
	})
	if err != nil {
		err = searcherr.Classify(endpoint, err)
		logger.WithFields(logrus.Fields{
			"kind":     searcherr.KindOf(err).String(),
			"duration": time.Since(start).String(),
		}).WithError(err).Debug("Request failed")
		return nil, err
	}

	if cacheable {
		c.cache.Set(cacheKey, append([]byte(nil), data...))
	}
	logger.WithFields(logrus.Fields{
		"bytes":    len(data),
		"duration": time.Since(start).String(),
	}).Debug("Request completed")
	return data, nil
}

// RequestJSON performs the request and decodes the JSON body into v
func (c *Client) RequestJSON(ctx context.Context, rawURL string, cfg RequestConfig, v any) error {
	cfg.Headers = cfg.Headers.Clone()
	if cfg.Headers == nil {
		cfg.Headers = make(http.Header)
	}
	if cfg.Headers.Get("Accept") == "" {
		cfg.Headers.Set("Accept", "application/json")
	}
	data, err := c.Request(ctx, rawURL, cfg)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return searcherr.Wrap(searcherr.KindServer, telemetry.SanitiseURL(rawURL), fmt.Errorf("failed to parse JSON response: %w", err))
	}
	return nil
}

// PruneCache drops expired responses and returns how many were removed
func (c *Client) PruneCache() int { return c.cache.Prune() }

// ClearCache drops every cached response
func (c *Client) ClearCache() { c.cache.Clear() }

// CacheLen returns the number of cached responses
func (c *Client) CacheLen() int { return c.cache.Len() }

func buildURL(rawURL string, params url.Values) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, searcherr.Validation("invalid request URL %q", rawURL)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}
