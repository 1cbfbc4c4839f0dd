package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay_Exponential(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, nil))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, nil))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4, nil))
	assert.Equal(t, time.Second, p.Delay(5, nil))
	assert.Equal(t, time.Second, p.Delay(50, nil))
}

func TestPolicyDelay_JitterClampedToBase(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: time.Second}
	almostOne := func() float64 { return 0.999 }

	d1 := p.Delay(1, almostOne)
	d2 := p.Delay(2, almostOne)
	assert.Less(t, d1, 20*time.Millisecond)
	assert.Greater(t, d2, d1)
}

func TestPolicyDelay_ZeroRetryTreatedAsFirst(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, p.Delay(1, nil), p.Delay(0, nil))
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
