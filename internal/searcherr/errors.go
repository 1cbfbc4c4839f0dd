package searcherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Kind identifies the class of a search pipeline failure
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindRateLimit
	KindCircuitOpen
	KindValidation
	KindNotFound
	KindServer
	// KindRejected covers client errors other than 404/408/429, including
	// authentication failures and cross-origin or forbidden responses.
	KindRejected
)

// String returns the stable name used in logs and responses
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindCircuitOpen:
		return "circuit_open"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the fetch pipeline
type Error struct {
	Kind       Kind
	Endpoint   string
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Endpoint != "" {
		b.WriteString(" error from ")
		b.WriteString(e.Endpoint)
	} else {
		b.WriteString(" error")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Endpoint == "" || t.Endpoint == e.Endpoint)
}

// New creates an error of the given kind
func New(kind Kind, endpoint, message string) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Message: message}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, endpoint string, err error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Err: err}
}

// Validation reports malformed caller input
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// CircuitOpen reports that the breaker for endpoint refused the request
func CircuitOpen(endpoint string, cause error) *Error {
	return &Error{Kind: KindCircuitOpen, Endpoint: endpoint, Message: "circuit open", Err: cause}
}

// QueueTimeout reports a request evicted from the queue before dispatch
func QueueTimeout(endpoint string, waited time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Endpoint: endpoint,
		Message:  fmt.Sprintf("request expired in queue after %s", waited.Round(time.Millisecond)),
	}
}

// FromStatus classifies a non-2xx HTTP response
func FromStatus(endpoint string, status int, header http.Header, body []byte) *Error {
	e := &Error{Endpoint: endpoint, Status: status, Message: summariseBody(body)}
	switch {
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header)
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
	case status >= 400:
		e.Kind = KindRejected
	default:
		// 1xx/3xx that were not followed
		e.Kind = KindServer
	}
	return e
}

// Classify converts any transport error into an *Error
func Classify(endpoint string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, endpoint, err)
	case errors.Is(err, context.Canceled):
		// caller gave up; never worth retrying
		return &Error{Kind: KindUnknown, Endpoint: endpoint, Message: "request cancelled", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, endpoint, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return Wrap(KindTimeout, endpoint, err)
	}
	return Wrap(KindNetwork, endpoint, err)
}

// KindOf returns the kind of err, or KindUnknown when err is not a pipeline error
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether err belongs to a transient class
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	case KindCircuitOpen, KindValidation, KindNotFound, KindRejected, KindUnknown:
		return false
	}
	return false
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func summariseBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
