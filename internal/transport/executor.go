package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/breaker"
	"github.com/sammcj/privsearch/internal/queue"
	"github.com/sammcj/privsearch/internal/retry"
	"github.com/sammcj/privsearch/internal/searcherr"
)

const maxBodyBytes = 5 << 20

// outbound is a request after privacy shaping, ready for an executor
type outbound struct {
	method   string
	url      string
	endpoint string
	header   http.Header
	body     []byte
	priority queue.Priority
	retries  int
}

// executor performs one logical request. Exactly one implementation is
// attached to a Client, so at most one retry layer runs per request.
type executor interface {
	execute(ctx context.Context, req outbound) ([]byte, error)
	name() string
}

// queuedExecutor hands the request to the queue once; the queue owns retries
type queuedExecutor struct {
	queue *queue.Queue
}

func (e *queuedExecutor) name() string { return "queued" }

func (e *queuedExecutor) execute(ctx context.Context, req outbound) ([]byte, error) {
	resp, err := e.queue.Enqueue(ctx, queue.Request{
		Method:   req.method,
		URL:      req.url,
		Header:   req.header,
		Body:     req.body,
		Priority: req.priority,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// directExecutor fetches immediately and retries transient failures itself
type directExecutor struct {
	client   queue.HTTPClient
	breakers *breaker.Registry
	policy   retry.Policy
	rnd      func() float64
	logger   *logrus.Logger
}

func (e *directExecutor) name() string { return "direct" }

func (e *directExecutor) execute(ctx context.Context, req outbound) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= req.retries; attempt++ {
		if attempt > 0 {
			delay := e.policy.Delay(attempt, e.rnd)
			if se, ok := lastErr.(*searcherr.Error); ok && se.RetryAfter > delay {
				delay = min(se.RetryAfter, e.policy.MaxDelay)
			}
			e.logger.WithFields(logrus.Fields{
				"endpoint": req.endpoint,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).Info("Retrying direct request after backoff")
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil, searcherr.Classify(req.endpoint, err)
			}
		}

		body, err := e.once(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !searcherr.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *directExecutor) once(ctx context.Context, req outbound) ([]byte, error) {
	done := func(error) {}
	if e.breakers != nil {
		var err error
		done, err = e.breakers.Allow(req.endpoint)
		if err != nil {
			return nil, err
		}
	}

	body, err := e.fetch(ctx, req)
	done(err)
	return body, err
}

func (e *directExecutor) fetch(ctx context.Context, req outbound) ([]byte, error) {
	var reader io.Reader
	if len(req.body) > 0 {
		reader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reader)
	if err != nil {
		return nil, searcherr.Validation("failed to create request: %v", err)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, searcherr.Classify(req.endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, searcherr.Classify(req.endpoint, fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, searcherr.FromStatus(req.endpoint, resp.StatusCode, resp.Header, data)
	}
	return data, nil
}

func endpointOf(u *url.URL) string {
	return queue.EndpointKey(u)
}
