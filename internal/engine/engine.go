// Package engine wires the fetch pipeline, the source adapters and the
// aggregator into one instance with an explicit lifecycle.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/aggregator"
	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/config"
	"github.com/sammcj/privsearch/internal/doh"
	"github.com/sammcj/privsearch/internal/obfuscate"
	"github.com/sammcj/privsearch/internal/queue"
	"github.com/sammcj/privsearch/internal/retry"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/brave"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/duckduckgo"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/google"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/kagi"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/searxng"
	"github.com/sammcj/privsearch/internal/tools/internetsearch/wikipedia"
	"github.com/sammcj/privsearch/internal/transport"
)

// MaintenanceInterval is how often expired cache entries are pruned
const MaintenanceInterval = time.Minute

// Engine owns every component of one search client
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	breakers   *breaker.Registry
	queue      *queue.Queue
	resolver   *doh.Resolver
	obfuscator *obfuscate.Obfuscator
	transport  *transport.Client
	providers  []internetsearch.SearchProvider
	aggregator *aggregator.Aggregator
	decoys     *obfuscate.DecoyScheduler
	cron       *cron.Cron

	mu      sync.Mutex
	started bool
}

type options struct {
	httpClient queue.HTTPClient
	providers  []internetsearch.SearchProvider
	version    string
}

// Option customises New
type Option func(*options)

// WithHTTPClient replaces the outbound HTTP client, bypassing proxy and DoH setup
func WithHTTPClient(c queue.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProviders replaces the configured source adapters
func WithProviders(p ...internetsearch.SearchProvider) Option {
	return func(o *options) { o.providers = p }
}

// WithVersion sets the version reported by health checks
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds an engine from cfg. Nothing runs in the background until Start.
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		breakers:   breaker.NewRegistry(cfg.Breaker, logger),
		obfuscator: obfuscate.New(obfuscate.ParseLevel(cfg.Privacy.Level), logger),
	}

	httpClient := o.httpClient
	if httpClient == nil {
		if endpoint, ok := doh.EndpointFor(cfg.Privacy.DoHProvider); ok {
			e.resolver = doh.New(endpoint, nil, logger)
		}
		c, err := transport.NewHTTPClient(cfg.Privacy, e.resolver, cfg.Transport.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		httpClient = c
	}

	topts := []transport.Option{
		transport.WithObfuscator(e.obfuscator),
		transport.WithPrivacy(cfg.Privacy),
		transport.WithCacheTTL(cfg.Transport.CacheTTL),
		transport.WithDefaults(cfg.Transport.Timeout, cfg.Transport.Retries),
	}
	switch cfg.Transport.Mode {
	case config.ModeDirect:
		policy := retry.Policy{BaseDelay: cfg.Queue.BaseDelay, MaxDelay: cfg.Queue.MaxDelay, Jitter: cfg.Queue.Jitter}
		e.transport = transport.NewDirect(httpClient, e.breakers, policy, logger, topts...)
	default:
		e.queue = queue.New(cfg.Queue, httpClient, e.breakers, logger)
		e.transport = transport.NewQueued(e.queue, logger, topts...)
	}

	e.providers = o.providers
	if e.providers == nil {
		e.providers = buildProviders(cfg, e.transport, internetsearch.NewNormaliser(cfg.Aggregator.Seed))
	}

	aopts := []aggregator.Option{
		aggregator.WithBreakers(e.breakers),
		aggregator.WithVersion(o.version),
		aggregator.WithCacheSize("transport", e.transport.CacheLen),
	}
	if e.queue != nil {
		aopts = append(aopts, aggregator.WithQueueStats(e.queue.Stats))
	}
	e.aggregator = aggregator.New(cfg.Aggregator, e.providers, logger, aopts...)

	if cfg.Privacy.DecoyTraffic {
		if cfg.Privacy.DecoySinkURL == "" {
			logger.Warn("Decoy traffic is enabled but no decoy sink URL is configured; decoys disabled")
		} else {
			e.decoys = obfuscate.NewDecoyScheduler(e.obfuscator, e.decoySink, cfg.Privacy.Decoy, logger)
		}
	}

	e.cron = cron.New()
	e.cron.Schedule(cron.Every(MaintenanceInterval), cron.FuncJob(e.maintain))

	logger.WithFields(logrus.Fields{
		"mode":      e.transport.Mode(),
		"providers": e.aggregator.Providers(),
		"doh":       e.resolver != nil,
		"proxy":     cfg.Privacy.UseProxy,
		"decoys":    e.decoys != nil,
	}).Info("Search engine configured")
	return e, nil
}

// buildProviders creates the enabled adapters in priority order
func buildProviders(cfg *config.Config, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) []internetsearch.SearchProvider {
	p := cfg.Providers
	var out []internetsearch.SearchProvider
	add := func(name string, provider internetsearch.SearchProvider, ok bool) {
		if ok && cfg.ProviderEnabled(name) {
			out = append(out, provider)
		}
	}

	b := brave.NewBraveProvider(p.BraveAPIKey, fetcher, norm)
	add("brave", b, b != nil)
	k := kagi.NewKagiProvider(p.KagiAPIKey, fetcher, norm)
	add("kagi", k, k != nil)
	g := google.NewGoogleProvider(p.GoogleAPIKey, p.GoogleSearchID, fetcher, norm)
	add("google", g, g != nil)
	s := searxng.NewSearXNGProvider(p.SearXNGURLs, p.SearXNGUsername, p.SearXNGPassword, fetcher, norm)
	add("searxng", s, s != nil)
	add("duckduckgo", duckduckgo.NewDuckDuckGoProvider(fetcher, norm), !p.DisableDuckDuckGo)
	add("wikipedia", wikipedia.NewWikipediaProvider(p.WikipediaLanguage, fetcher, norm), true)
	return out
}

// Start launches the queue dispatcher, cache maintenance and, when enabled,
// decoy traffic. It is a no-op on a running engine.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	if e.queue != nil {
		e.queue.Start(ctx)
	}
	e.cron.Start()
	if e.decoys != nil {
		e.decoys.Start(ctx)
	}
	e.started = true
}

// Close stops background work and waits for it to finish
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if e.decoys != nil {
		e.decoys.Stop()
	}
	<-e.cron.Stop().Done()
	if e.queue != nil {
		e.queue.Stop()
	}
	e.started = false
}

// Search runs an aggregated search
func (e *Engine) Search(ctx context.Context, q aggregator.Query) (*aggregator.Response, error) {
	return e.aggregator.Search(ctx, q)
}

// Suggestions returns query completions
func (e *Engine) Suggestions(ctx context.Context, query string) []string {
	return e.aggregator.Suggestions(ctx, query)
}

// CheckHealth reports component health
func (e *Engine) CheckHealth(ctx context.Context) aggregator.Health {
	return e.aggregator.CheckHealth(ctx)
}

// Providers returns the active source names in priority order
func (e *Engine) Providers() []string { return e.aggregator.Providers() }

// Aggregator returns the engine's aggregator
func (e *Engine) Aggregator() *aggregator.Aggregator { return e.aggregator }

// Transport returns the engine's transport client
func (e *Engine) Transport() *transport.Client { return e.transport }

// Breakers returns the engine's circuit breaker registry
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// decoySink sends one decoy query at low priority. The response is discarded
// and never cached.
func (e *Engine) decoySink(ctx context.Context, query string) error {
	_, err := e.transport.Request(ctx, e.cfg.Privacy.DecoySinkURL, transport.RequestConfig{
		Params:           url.Values{"q": {query}},
		Priority:         queue.PriorityLow,
		Retries:          -1,
		RotateIdentity:   true,
		ObfuscateTraffic: true,
	})
	return err
}

// maintain prunes expired result sets, responses and DNS answers, and decays
// idle breaker failure counts
func (e *Engine) maintain() {
	results := e.aggregator.PruneCache()
	responses := e.transport.PruneCache()
	answers := 0
	if e.resolver != nil {
		answers = e.resolver.Prune()
	}
	decayed := e.breakers.Sweep()
	if results+responses+answers+decayed > 0 {
		e.logger.WithFields(logrus.Fields{
			"result_sets": results,
			"responses":   responses,
			"dns_answers": answers,
			"breakers":    decayed,
		}).Debug("Pruned expired cache entries and decayed breakers")
	}
}
