package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/retry"
	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/telemetry"
)

const (
	DefaultMaxConcurrent        = 4
	DefaultMaxRequestsPerSecond = 2
	DefaultMaxRetries           = 3
	DefaultTimeout              = 30 * time.Second

	// maxBodyBytes caps how much of a response body is buffered
	maxBodyBytes = 5 << 20
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls dispatch, spacing and retry behaviour
type Config struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second"`
	MaxRetries           int           `yaml:"max_retries"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Jitter               time.Duration `yaml:"jitter"`
	// Timeout bounds the total time a request may spend waiting in the queue.
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = retry.DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = retry.DefaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Request is a single outbound HTTP call
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Priority Priority
}

// Response is a fully buffered HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Stats is a snapshot of queue occupancy
type Stats struct {
	Pending      map[string]int `json:"pending"`
	Active       int            `json:"active"`
	LastDispatch time.Time      `json:"last_dispatch,omitzero"`
}

type outcome struct {
	resp *Response
	err  error
}

type item struct {
	id       string
	req      Request
	endpoint string
	ctx      context.Context
	created  time.Time
	retries  int
	attempts int

	once   sync.Once
	result chan outcome
}

func (it *item) settle(resp *Response, err error) {
	it.once.Do(func() {
		it.result <- outcome{resp: resp, err: err}
	})
}

// Queue is a priority-ordered, rate-limited, concurrency-bounded executor
type Queue struct {
	cfg      Config
	client   HTTPClient
	breakers *breaker.Registry
	limiter  *rate.Limiter
	logger   *logrus.Logger
	rnd      func() float64

	mu           sync.Mutex
	tiers        [numPriorities][]*item
	active       int
	lastDispatch time.Time
	closed       bool
	running      bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises a Queue
type Option func(*Queue)

// WithRand replaces the jitter source; fn must return values in [0,1)
func WithRand(fn func() float64) Option {
	return func(q *Queue) { q.rnd = fn }
}

// New creates a queue. Call Start before enqueueing.
func New(cfg Config, client HTTPClient, breakers *breaker.Registry, logger *logrus.Logger, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Config{}, logger)
	}
	q := &Queue{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1),
		logger:   logger,
		rnd:      rand.Float64,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the dispatcher. It stops when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running || q.closed {
		q.mu.Unlock()
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop halts the dispatcher and rejects everything still queued
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel, done := q.cancel, q.done
	var pending []*item
	for p := range q.tiers {
		pending = append(pending, q.tiers[p]...)
		q.tiers[p] = nil
	}
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, it := range pending {
		it.settle(nil, searcherr.New(searcherr.KindUnknown, it.endpoint, "request queue stopped"))
	}
}

// Enqueue submits a request and blocks until it settles or ctx is done
func (q *Queue) Enqueue(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, searcherr.Validation("invalid request URL %q", req.URL)
	}
	if !req.Priority.valid() {
		req.Priority = PriorityNormal
	}

	it := &item{
		id:       uuid.NewString(),
		req:      req,
		endpoint: EndpointKey(parsed),
		ctx:      ctx,
		created:  time.Now(),
		result:   make(chan outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, searcherr.New(searcherr.KindUnknown, it.endpoint, "request queue stopped")
	}
	q.tiers[req.Priority] = append(q.tiers[req.Priority], it)
	q.mu.Unlock()
	q.signal()

	q.logger.WithFields(logrus.Fields{
		"id":       it.id,
		"endpoint": it.endpoint,
		"priority": req.Priority.String(),
	}).Debug("Request queued")

	select {
	case out := <-it.result:
		return out.resp, out.err
	case <-ctx.Done():
		q.remove(it)
		err := searcherr.Classify(it.endpoint, ctx.Err())
		it.settle(nil, err)
		return nil, err
	}
}

// Stats returns current occupancy
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make(map[string]int, numPriorities)
	for p := range q.tiers {
		pending[Priority(p).String()] = len(q.tiers[p])
	}
	return Stats{Pending: pending, Active: q.active, LastDispatch: q.lastDispatch}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) remove(target *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := q.tiers[target.req.Priority]
	for i, it := range tier {
		if it == target {
			q.tiers[target.req.Priority] = append(tier[:i:i], tier[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		nextExpiry := q.evictExpired()

		if !q.ready() {
			var timer *time.Timer
			var timerC <-chan time.Time
			if !nextExpiry.IsZero() {
				timer = time.NewTimer(time.Until(nextExpiry))
				timerC = timer.C
			}
			select {
			case <-ctx.Done():
			case <-q.wake:
			case <-timerC:
			}
			if timer != nil {
				timer.Stop()
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		q.evictExpired()
		it := q.pop()
		if it == nil {
			continue
		}
		if err := it.ctx.Err(); err != nil {
			q.release()
			it.settle(nil, searcherr.Classify(it.endpoint, err))
			continue
		}

		done, err := q.breakers.Allow(it.endpoint)
		if err != nil {
			q.release()
			telemetry.RecordQueueEvent(ctx, "circuit_open", it.req.Priority.String())
			q.logger.WithFields(logrus.Fields{
				"id":       it.id,
				"endpoint": it.endpoint,
			}).Debug("Request rejected by circuit breaker")
			it.settle(nil, err)
			continue
		}

		q.mu.Lock()
		q.lastDispatch = time.Now()
		q.mu.Unlock()
		telemetry.RecordQueueEvent(ctx, "dispatch", it.req.Priority.String())

		go q.execute(it, done)
	}
}

// ready reports whether the head request may be dispatched, ignoring spacing
func (q *Queue) ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.cfg.MaxConcurrent {
		return false
	}
	for p := range q.tiers {
		if len(q.tiers[p]) > 0 {
			return true
		}
	}
	return false
}

// pop removes the head of the highest non-empty tier and reserves a slot
func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.cfg.MaxConcurrent {
		return nil
	}
	for p := range q.tiers {
		if len(q.tiers[p]) == 0 {
			continue
		}
		it := q.tiers[p][0]
		q.tiers[p][0] = nil
		q.tiers[p] = q.tiers[p][1:]
		q.active++
		return it
	}
	return nil
}

func (q *Queue) release() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.signal()
}

// evictExpired rejects queued requests older than the queue timeout and
// returns the earliest remaining expiry
func (q *Queue) evictExpired() time.Time {
	now := time.Now()
	var expired []*item
	var next time.Time

	q.mu.Lock()
	for p := range q.tiers {
		kept := q.tiers[p][:0]
		for _, it := range q.tiers[p] {
			deadline := it.created.Add(q.cfg.Timeout)
			if !now.Before(deadline) {
				expired = append(expired, it)
				continue
			}
			if next.IsZero() || deadline.Before(next) {
				next = deadline
			}
			kept = append(kept, it)
		}
		for i := len(kept); i < len(q.tiers[p]); i++ {
			q.tiers[p][i] = nil
		}
		q.tiers[p] = kept
	}
	q.mu.Unlock()

	for _, it := range expired {
		q.logger.WithFields(logrus.Fields{
			"id":       it.id,
			"endpoint": it.endpoint,
			"waited":   now.Sub(it.created).String(),
		}).Warn("Request evicted from queue")
		telemetry.RecordQueueEvent(context.Background(), "evict", it.req.Priority.String())
		it.settle(nil, searcherr.QueueTimeout(it.endpoint, now.Sub(it.created)))
	}
	return next
}

func (q *Queue) execute(it *item, done func(error)) {
	it.attempts++
	resp, err := q.do(it)
	done(err)
	q.release()

	if err == nil {
		resp.Attempts = it.attempts
		it.settle(resp, nil)
		return
	}

	logger := q.logger.WithFields(logrus.Fields{
		"id":       it.id,
		"endpoint": it.endpoint,
		"attempt":  it.attempts,
		"kind":     searcherr.KindOf(err).String(),
	})

	if !searcherr.Retryable(err) || it.retries >= q.cfg.MaxRetries || it.ctx.Err() != nil {
		logger.WithError(err).Debug("Request failed")
		it.settle(nil, err)
		return
	}

	it.retries++
	policy := retry.Policy{BaseDelay: q.cfg.BaseDelay, MaxDelay: q.cfg.MaxDelay, Jitter: q.cfg.Jitter}
	delay := policy.Delay(it.retries, q.rnd)
	if se, ok := err.(*searcherr.Error); ok && se.RetryAfter > delay {
		delay = min(se.RetryAfter, q.cfg.MaxDelay)
	}
	logger.WithField("delay", delay.String()).Info("Retrying request after backoff")
	telemetry.RecordQueueEvent(it.ctx, "retry", it.req.Priority.String())

	time.AfterFunc(delay, func() { q.requeueFront(it) })
}

func (q *Queue) requeueFront(it *item) {
	if err := it.ctx.Err(); err != nil {
		it.settle(nil, searcherr.Classify(it.endpoint, err))
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.settle(nil, searcherr.New(searcherr.KindUnknown, it.endpoint, "request queue stopped"))
		return
	}
	tier := q.tiers[it.req.Priority]
	q.tiers[it.req.Priority] = append([]*item{it}, tier...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) do(it *item) (*Response, error) {
	var body io.Reader
	if len(it.req.Body) > 0 {
		body = bytes.NewReader(it.req.Body)
	}
	httpReq, err := http.NewRequestWithContext(it.ctx, it.req.Method, it.req.URL, body)
	if err != nil {
		return nil, searcherr.Validation("failed to create request: %v", err)
	}
	for k, vs := range it.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return nil, searcherr.Classify(it.endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			q.logger.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, searcherr.Classify(it.endpoint, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, searcherr.FromStatus(it.endpoint, resp.StatusCode, resp.Header, data)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// EndpointKey reduces a URL to the string the circuit breaker tracks:
// scheme, host and path, without query or fragment.
func EndpointKey(u *url.URL) string {
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}
