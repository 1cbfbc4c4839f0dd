package aggregator

import (
	"context"
	"net/url"
	"time"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/queue"
	"github.com/sammcj/privsearch/internal/telemetry"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check is one component's health
type Check struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Health summarises the aggregator and the pipeline behind it
type Health struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  string  `json:"uptime"`
	Checks  []Check `json:"checks"`
}

// CheckHealth reports provider reachability from breaker state, plus queue
// and cache occupancy. It makes no network calls.
func (a *Aggregator) CheckHealth(_ context.Context) Health {
	h := Health{
		Version: a.version,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
	}

	healthy := 0
	for _, p := range a.providers {
		c := a.providerCheck(p.GetName(), p.Endpoints())
		if c.Status == StatusHealthy {
			healthy++
		}
		h.Checks = append(h.Checks, c)
	}

	switch {
	case len(a.providers) == 0 || healthy == 0:
		h.Status = StatusUnhealthy
	case healthy < len(a.providers):
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}

	if a.queueStats != nil {
		h.Checks = append(h.Checks, queueCheck(a.queueStats()))
	}

	caches := map[string]any{"results": a.results.Len()}
	for name, size := range a.cacheSizes {
		caches[name] = size()
	}
	h.Checks = append(h.Checks, Check{Name: "cache", Status: StatusHealthy, Details: caches})

	if len(a.providers) == 0 {
		h.Checks = append(h.Checks, Check{Name: "providers", Status: StatusUnhealthy, Message: "no search providers configured"})
	}
	return h
}

// providerCheck is healthy while at least one endpoint's circuit admits requests
func (a *Aggregator) providerCheck(name string, endpoints []string) Check {
	c := Check{Name: "provider:" + name, Status: StatusHealthy}
	if a.breakers == nil {
		return c
	}

	states := make(map[string]any, len(endpoints))
	open := 0
	for _, ep := range endpoints {
		key := ep
		if u, err := url.Parse(ep); err == nil {
			key = queue.EndpointKey(u)
		}
		state := a.breakers.State(key)
		states[telemetry.SanitiseURL(ep)] = string(state)
		if state == breaker.StateOpen {
			open++
		}
	}
	c.Details = map[string]any{"endpoints": states}

	switch {
	case len(endpoints) > 0 && open == len(endpoints):
		c.Status = StatusUnhealthy
		c.Message = "every endpoint circuit is open"
	case open > 0:
		c.Message = "some endpoint circuits are open"
	}
	return c
}

func queueCheck(s queue.Stats) Check {
	pending := 0
	for _, n := range s.Pending {
		pending += n
	}
	details := map[string]any{
		"active":        s.Active,
		"pending":       s.Pending,
		"total_pending": pending,
	}
	if !s.LastDispatch.IsZero() {
		details["last_dispatch"] = s.LastDispatch.Format(time.RFC3339)
	}
	return Check{Name: "queue", Status: StatusHealthy, Details: details}
}
