package retry

import (
	"context"
	"time"
)

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = 250 * time.Millisecond
)

// Policy describes exponential backoff with bounded jitter
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the upper bound of the random component; it is clamped to
	// BaseDelay so successive delays keep growing.
	Jitter time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, Jitter: DefaultJitter}
}

// Delay returns min(base*2^(retry-1), max) + jitter for the given 1-based retry.
// rnd must return values in [0,1); nil disables jitter.
func (p Policy) Delay(retry int, rnd func() float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	d := base
	for i := 1; i < retry && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	jitter := p.Jitter
	if jitter > base {
		jitter = base
	}
	if jitter > 0 && rnd != nil {
		d += time.Duration(rnd() * float64(jitter))
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
