// Package aggregator fans a query out to every enabled source, then merges,
// ranks, deduplicates, caps and paginates the combined results.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/cache"
	"github.com/sammcj/privsearch/internal/config"
	"github.com/sammcj/privsearch/internal/queue"
	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/telemetry"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

// MaxQueryLength is the longest query accepted, in runes
const MaxQueryLength = 512

// Filters narrows a search
type Filters struct {
	// Sources restricts the providers queried, by name; empty means all
	Sources        []string `json:"sources,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	SafeSearch     bool     `json:"safe_search,omitempty"`
}

// Query is one search request
type Query struct {
	Text    string  `json:"query"`
	Page    int     `json:"page"`
	Limit   int     `json:"limit"`
	Filters Filters `json:"filters"`
}

// ProviderError is a non-fatal note about a source that was skipped
type ProviderError struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Response is one page of an aggregated result set
type Response struct {
	Results     []internetsearch.SearchResult `json:"results"`
	TotalCount  int                           `json:"total_count"`
	Page        int                           `json:"page"`
	HasMore     bool                          `json:"has_more"`
	SearchTime  float64                       `json:"search_time_ms"`
	Suggestions []string                      `json:"suggestions"`
	Sources     []string                      `json:"sources"`
	Errors      []ProviderError               `json:"errors,omitempty"`
	Cached      bool                          `json:"cached"`
}

// ResultSet is the full ranked set cached per query. It is never mutated once stored.
type ResultSet struct {
	Results     []internetsearch.SearchResult
	Suggestions []string
	Sources     []string
	Errors      []ProviderError
	BuiltAt     time.Time
}

// Aggregator queries providers and builds ranked result sets
type Aggregator struct {
	providers []internetsearch.SearchProvider
	cfg       config.Aggregator
	ranker    *ranker
	results   *cache.Cache[*ResultSet]
	group     singleflight.Group
	logger    *logrus.Logger

	breakers   *breaker.Registry
	queueStats func() queue.Stats
	cacheSizes map[string]func() int
	version    string
	started    time.Time

	recentMu sync.Mutex
	recent   []string
}

// Option customises an Aggregator
type Option func(*Aggregator)

// WithBreakers lets health checks report per-endpoint circuit state
func WithBreakers(r *breaker.Registry) Option {
	return func(a *Aggregator) { a.breakers = r }
}

// WithQueueStats lets health checks report queue occupancy
func WithQueueStats(fn func() queue.Stats) Option {
	return func(a *Aggregator) { a.queueStats = fn }
}

// WithCacheSize adds a named cache to the health report
func WithCacheSize(name string, fn func() int) Option {
	return func(a *Aggregator) { a.cacheSizes[name] = fn }
}

// WithVersion sets the version reported by CheckHealth
func WithVersion(v string) Option {
	return func(a *Aggregator) { a.version = v }
}

// New creates an aggregator over providers, which are queried and merged in
// the order given. Nil or unavailable providers are dropped.
func New(cfg config.Aggregator, providers []internetsearch.SearchProvider, logger *logrus.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = withDefaults(cfg)

	var usable []internetsearch.SearchProvider
	for _, p := range providers {
		if p == nil || !p.IsAvailable() {
			continue
		}
		usable = append(usable, p)
	}

	a := &Aggregator{
		providers:  usable,
		cfg:        cfg,
		ranker:     newRanker(cfg.DiverseSources, cfg.OverRepresentedDomains, cfg.DomainCap, cfg.OverRepresentedCap),
		results:    cache.NewCache[*ResultSet](cfg.CacheTTL),
		logger:     logger,
		cacheSizes: make(map[string]func() int),
		version:    "dev",
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func withDefaults(cfg config.Aggregator) config.Aggregator {
	if cfg.DomainCap <= 0 {
		cfg.DomainCap = config.DefaultDomainCap
	}
	if cfg.OverRepresentedCap <= 0 {
		cfg.OverRepresentedCap = config.DefaultOverRepresentedCap
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = config.DefaultMaxLimit
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = min(config.DefaultLimit, cfg.MaxLimit)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = config.DefaultResultCacheTTL
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = config.DefaultProviderTimeout
	}
	return cfg
}

// Providers returns the names of the usable providers in priority order
func (a *Aggregator) Providers() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.GetName()
	}
	return names
}

// Search returns one page of the aggregated results for q. Provider failures
// are reported in Response.Errors; the only error returned is a validation
// error, and the response is never nil.
func (a *Aggregator) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	page := max(q.Page, 1)
	limit := q.Limit
	if limit < 1 {
		limit = a.cfg.DefaultLimit
	}
	limit = min(limit, a.cfg.MaxLimit)

	resp := &Response{
		Results:     []internetsearch.SearchResult{},
		Page:        page,
		Suggestions: []string{},
		Sources:     []string{},
	}

	text := strings.Join(strings.Fields(q.Text), " ")
	if text == "" {
		return resp, searcherr.Validation("query must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return resp, searcherr.Validation("query exceeds %d characters", MaxQueryLength)
	}

	ctx, span := telemetry.StartSearchSpan(ctx, text, page, limit)
	defer telemetry.EndSpan(span, nil)

	normalised := NormaliseQuery(text)
	key := cacheKey(normalised, q.Filters)
	logger := a.logger.WithFields(logrus.Fields{
		"page":  page,
		"limit": limit,
	})

	var set *ResultSet
	if page > 1 {
		if cached, ok := a.results.Get(key); ok {
			telemetry.RecordCacheOperation(ctx, "results", true)
			set = cached
			resp.Cached = true
		} else {
			telemetry.RecordCacheOperation(ctx, "results", false)
		}
	}

	if set == nil {
		v, _, _ := a.group.Do(key, func() (any, error) {
			built := a.build(ctx, text, q.Filters)
			a.results.Set(key, built)
			return built, nil
		})
		set = v.(*ResultSet)
	}

	resp.Results, resp.HasMore = paginate(set.Results, page, limit)
	resp.TotalCount = len(set.Results)
	resp.Suggestions = append(resp.Suggestions, set.Suggestions...)
	resp.Sources = append(resp.Sources, set.Sources...)
	resp.Errors = slices.Clone(set.Errors)
	resp.SearchTime = float64(time.Since(start).Microseconds()) / 1000

	if resp.TotalCount > 0 {
		a.remember(normalised)
	}

	telemetry.RecordSearch(ctx, resp.TotalCount > 0, resp.Cached, resp.SearchTime)
	logger.WithFields(logrus.Fields{
		"total":    resp.TotalCount,
		"returned": len(resp.Results),
		"cached":   resp.Cached,
		"errors":   len(resp.Errors),
	}).Debug("Search completed")
	return resp, nil
}

// providerOutcome is what one provider contributed to a build
type providerOutcome struct {
	results []internetsearch.SearchResult
	errs    []ProviderError
}

// build queries every selected provider concurrently and ranks the merged results
func (a *Aggregator) build(ctx context.Context, text string, filters Filters) *ResultSet {
	providers := a.selectProviders(filters.Sources)
	set := &ResultSet{BuiltAt: time.Now()}

	if len(providers) == 0 {
		set.Errors = []ProviderError{{Kind: searcherr.KindValidation.String(), Message: "no search providers available"}}
		return set
	}

	pq := internetsearch.Query{
		Text:       text,
		Page:       1,
		Limit:      a.cfg.MaxLimit,
		SafeSearch: filters.SafeSearch,
	}

	outcomes := make([]providerOutcome, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			// failures are recorded, never returned, so one source cannot cancel the rest
			outcomes[i] = a.queryProvider(gctx, p, pq)
			return nil
		})
	}
	_ = g.Wait()

	var merged []internetsearch.SearchResult
	failed := 0
	for i, o := range outcomes {
		set.Errors = append(set.Errors, o.errs...)
		if len(o.results) > 0 {
			merged = append(merged, o.results...)
			set.Sources = append(set.Sources, providers[i].GetName())
		} else if len(o.errs) > 0 {
			failed++
		}
	}
	if failed == len(providers) {
		set.Errors = append(set.Errors, ProviderError{
			Kind:    searcherr.KindUnknown.String(),
			Message: "all search sources failed; results are unavailable",
		})
	}

	set.Results = a.ranker.apply(merged, normaliseDomains(filters.ExcludeDomains))
	set.Suggestions = a.localSuggestions(NormaliseQuery(text), maxSuggestions)

	a.logger.WithFields(logrus.Fields{
		"providers": len(providers),
		"merged":    len(merged),
		"kept":      len(set.Results),
		"failed":    failed,
	}).Debug("Built result set")
	return set
}

// queryProvider tries each endpoint of p in order and stops at the first one
// that yields at least one result
func (a *Aggregator) queryProvider(ctx context.Context, p internetsearch.SearchProvider, q internetsearch.Query) providerOutcome {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	var out providerOutcome
	for _, endpoint := range p.Endpoints() {
		if ctx.Err() != nil {
			break
		}
		spanCtx, span := telemetry.StartProviderSpan(ctx, p.GetName(), endpoint)
		resp, err := p.Search(spanCtx, a.logger, endpoint, q)
		telemetry.EndSpan(span, err)

		if err != nil {
			kind := searcherr.KindOf(err)
			if kind == searcherr.KindUnknown && errors.Is(err, context.DeadlineExceeded) {
				kind = searcherr.KindTimeout
			}
			telemetry.RecordProviderError(ctx, p.GetName(), kind.String())
			a.logger.WithFields(logrus.Fields{
				"provider": p.GetName(),
				"endpoint": telemetry.SanitiseURL(endpoint),
				"kind":     kind.String(),
			}).WithError(err).Warn("Search source failed, trying next")
			out.errs = append(out.errs, ProviderError{
				Provider: p.GetName(),
				Endpoint: telemetry.SanitiseURL(endpoint),
				Kind:     kind.String(),
				Message:  err.Error(),
			})
			continue
		}
		if resp == nil || len(resp.Results) == 0 {
			continue
		}
		out.results = resp.Results
		// an earlier endpoint's failure is moot once a later one answers
		out.errs = nil
		return out
	}

	if len(out.errs) == 0 && ctx.Err() != nil {
		out.errs = append(out.errs, ProviderError{
			Provider: p.GetName(),
			Kind:     searcherr.KindTimeout.String(),
			Message:  fmt.Sprintf("no response within %s", a.cfg.ProviderTimeout),
		})
	}
	return out
}

// selectProviders returns providers in priority order, restricted to names when given
func (a *Aggregator) selectProviders(names []string) []internetsearch.SearchProvider {
	if len(names) == 0 {
		return a.providers
	}
	var out []internetsearch.SearchProvider
	for _, p := range a.providers {
		if slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(strings.TrimSpace(n), p.GetName()) }) {
			out = append(out, p)
		}
	}
	return out
}

// PruneCache removes expired result sets and returns how many were dropped
func (a *Aggregator) PruneCache() int {
	return a.results.Prune()
}

// ClearCache drops every cached result set
func (a *Aggregator) ClearCache() {
	a.results.Clear()
}

func cacheKey(normalised string, f Filters) string {
	var b strings.Builder
	b.WriteString(normalised)
	if len(f.Sources) > 0 {
		sources := make([]string, len(f.Sources))
		for i, s := range f.Sources {
			sources[i] = strings.ToLower(strings.TrimSpace(s))
		}
		slices.Sort(sources)
		b.WriteString("|src=" + strings.Join(sources, ","))
	}
	if excl := normaliseDomains(f.ExcludeDomains); len(excl) > 0 {
		slices.Sort(excl)
		b.WriteString("|excl=" + strings.Join(excl, ","))
	}
	if f.SafeSearch {
		b.WriteString("|safe")
	}
	return b.String()
}

func normaliseDomains(domains []string) []string {
	var out []string
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
