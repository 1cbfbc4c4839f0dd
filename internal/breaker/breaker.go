package breaker

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/sammcj/privsearch/internal/searcherr"
)

// Default circuit breaker settings.
const (
	DefaultFailureThreshold uint32 = 5
	DefaultRecoveryTimeout         = 30 * time.Second
	DefaultMonitoringWindow        = 60 * time.Second
)

// State mirrors the breaker state for callers that should not import gobreaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures every per-endpoint breaker in a Registry.
type Config struct {
	// FailureThreshold is the number of failures, each within one monitoring
	// window of the previous, that opens the circuit.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before a half-open trial.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// MonitoringWindow is how long a closed endpoint must go without a failure
	// before its counters reset.
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
}

// EndpointStats is a point-in-time view of one endpoint's breaker
type EndpointStats struct {
	Endpoint    string    `json:"endpoint"`
	State       State     `json:"state"`
	Failures    uint32    `json:"failures"`
	Successes   uint32    `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
}

// errRecordedFailure stands in for the error of a failure reported through
// RecordFailure
var errRecordedFailure = errors.New("failure recorded by caller")

type endpoint struct {
	mu          sync.Mutex
	cb          *gobreaker.TwoStepCircuitBreaker[struct{}]
	lastFailure time.Time
	lastSuccess time.Time
	// trial is the half-open reservation taken by CanExecute, settled by the
	// next RecordSuccess or RecordFailure
	trial func(error)
}

// Registry holds one circuit breaker per distinct endpoint string
type Registry struct {
	cfg    Config
	logger *logrus.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// NewRegistry creates an empty registry. Zero config values fall back to defaults.
func NewRegistry(cfg Config, logger *logrus.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = DefaultMonitoringWindow
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		endpoints: make(map[string]*endpoint),
	}
}

// newBreaker builds the gobreaker instance for one endpoint. Closed-state
// counts are never cleared by gobreaker itself; decay replaces the instance.
func (r *Registry) newBreaker(name string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	threshold := r.cfg.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one half-open trial
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		IsExcluded: isCancellation,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.WithFields(logrus.Fields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Circuit breaker state change")
		},
	})
}

// isCancellation reports errors caused by the caller giving up. They say
// nothing about the endpoint and are not counted.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (r *Registry) get(name string) *endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[name]; ok {
		return ep
	}
	ep := &endpoint{cb: r.newBreaker(name)}
	r.endpoints[name] = ep
	return ep
}

// decayLocked resets a closed endpoint whose last failure is older than the
// monitoring window. ep.mu must be held.
func (r *Registry) decayLocked(name string, ep *endpoint, now time.Time) bool {
	if ep.lastFailure.IsZero() || now.Sub(ep.lastFailure) < r.cfg.MonitoringWindow {
		return false
	}
	if ep.cb.State() != gobreaker.StateClosed || ep.cb.Counts().TotalFailures == 0 {
		return false
	}
	ep.cb = r.newBreaker(name)
	r.logger.WithField("endpoint", name).Debug("Circuit breaker failure count decayed")
	return true
}

// current returns the endpoint's breaker after applying decay
func (r *Registry) current(name string) (*endpoint, *gobreaker.TwoStepCircuitBreaker[struct{}]) {
	ep := r.get(name)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	r.decayLocked(name, ep, time.Now())
	return ep, ep.cb
}

// Sweep resets every closed endpoint that has gone a full monitoring window
// without a failure, returning how many were reset.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	eps := make(map[string]*endpoint, len(r.endpoints))
	maps.Copy(eps, r.endpoints)
	r.mu.Unlock()

	now := time.Now()
	reset := 0
	for name, ep := range eps {
		ep.mu.Lock()
		if r.decayLocked(name, ep, now) {
			reset++
		}
		ep.mu.Unlock()
	}
	return reset
}

// Allow asks whether a request to endpoint may be attempted now. On success the
// returned done func must be called with the request's error, nil meaning
// success. Later calls are ignored. In half-open state only a single trial is
// admitted until it settles. Cancellation errors are not counted.
func (r *Registry) Allow(name string) (func(err error), error) {
	ep, cb := r.current(name)
	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, searcherr.CircuitOpen(name, err)
		}
		return nil, err
	}
	return r.settler(ep, cb, done), nil
}

// settler wraps a gobreaker done func so the outcome is recorded once. A
// failure that lands after decay replaced cb is counted on the new breaker.
func (r *Registry) settler(ep *endpoint, cb *gobreaker.TwoStepCircuitBreaker[struct{}], done func(error)) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			ep.mu.Lock()
			now := time.Now()
			switch {
			case err == nil:
				ep.lastSuccess = now
			case !isCancellation(err):
				ep.lastFailure = now
			}
			replaced := ep.cb != cb
			current := ep.cb
			ep.mu.Unlock()

			done(err)
			if replaced && err != nil && !isCancellation(err) {
				if d, allowErr := current.Allow(); allowErr == nil {
					d(err)
				}
			}
		})
	}
}

// CanExecute reports whether a request to endpoint may go ahead. In half-open
// state a true result reserves the single trial, which the next RecordSuccess
// or RecordFailure settles; further calls return false until then.
func (r *Registry) CanExecute(name string) bool {
	ep, cb := r.current(name)
	switch cb.State() {
	case gobreaker.StateClosed:
		return true
	case gobreaker.StateHalfOpen:
		done, err := cb.Allow()
		if err != nil {
			return false
		}
		ep.mu.Lock()
		ep.trial = r.settler(ep, cb, done)
		ep.mu.Unlock()
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call made outside Allow. It is dropped
// when the breaker is not admitting requests.
func (r *Registry) RecordSuccess(name string) {
	r.record(name, nil)
}

// RecordFailure records a failed call made outside Allow. It is dropped when
// the breaker is not admitting requests, since the circuit is already open.
func (r *Registry) RecordFailure(name string) {
	r.record(name, errRecordedFailure)
}

func (r *Registry) record(name string, err error) {
	ep := r.get(name)
	ep.mu.Lock()
	trial := ep.trial
	ep.trial = nil
	ep.mu.Unlock()
	if trial != nil {
		trial(err)
		return
	}
	if done, allowErr := r.Allow(name); allowErr == nil {
		done(err)
	}
}

// State returns the current state for endpoint
func (r *Registry) State(name string) State {
	_, cb := r.current(name)
	return convertState(cb.State())
}

// Stats returns the current statistics for endpoint
func (r *Registry) Stats(name string) EndpointStats {
	ep, _ := r.current(name)
	return ep.stats(name)
}

// Snapshot returns stats for every endpoint seen so far, sorted by endpoint
func (r *Registry) Snapshot() []EndpointStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.endpoints))
	eps := make(map[string]*endpoint, len(r.endpoints))
	for name, ep := range r.endpoints {
		names = append(names, name)
		eps[name] = ep
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]EndpointStats, 0, len(names))
	for _, name := range names {
		out = append(out, eps[name].stats(name))
	}
	return out
}

func (ep *endpoint) stats(name string) EndpointStats {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	state := ep.cb.State()
	counts := ep.cb.Counts()
	return EndpointStats{
		Endpoint:    name,
		State:       convertState(state),
		Failures:    counts.TotalFailures,
		Successes:   counts.TotalSuccesses,
		LastFailure: ep.lastFailure,
		LastSuccess: ep.lastSuccess,
	}
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
