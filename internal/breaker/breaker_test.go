package breaker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammcj/privsearch/internal/searcherr"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRegistry(threshold uint32, recovery time.Duration) *Registry {
	return NewRegistry(Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		MonitoringWindow: time.Minute,
	}, testLogger())
}

func TestRegistry_StartsClosed(t *testing.T) {
	r := newTestRegistry(3, time.Second)
	assert.True(t, r.CanExecute("https://a.test"))
	assert.Equal(t, StateClosed, r.State("https://a.test"))
}

func TestRegistry_StaysClosedBelowThreshold(t *testing.T) {
	r := newTestRegistry(3, time.Second)
	r.RecordFailure("e")
	r.RecordFailure("e")
	r.RecordSuccess("e")

	assert.True(t, r.CanExecute("e"))
	stats := r.Stats("e")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint32(2), stats.Failures)
	assert.Equal(t, uint32(1), stats.Successes)
	assert.False(t, stats.LastFailure.IsZero())
	assert.False(t, stats.LastSuccess.IsZero())
}

func TestRegistry_OpensAtThresholdAndRecovers(t *testing.T) {
	recovery := 60 * time.Millisecond
	r := newTestRegistry(3, recovery)

	for range 3 {
		r.RecordFailure("e")
	}
	assert.False(t, r.CanExecute("e"))
	assert.Equal(t, StateOpen, r.State("e"))

	_, err := r.Allow("e")
	require.Error(t, err)
	assert.Equal(t, searcherr.KindCircuitOpen, searcherr.KindOf(err))

	time.Sleep(recovery + 30*time.Millisecond)

	// half-open admits exactly one trial
	done, err := r.Allow("e")
	require.NoError(t, err)
	assert.False(t, r.CanExecute("e"))
	_, err = r.Allow("e")
	require.Error(t, err)

	done(nil)
	assert.Equal(t, StateClosed, r.State("e"))
	assert.Equal(t, uint32(0), r.Stats("e").Failures)
	assert.True(t, r.CanExecute("e"))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	recovery := 50 * time.Millisecond
	r := newTestRegistry(2, recovery)

	r.RecordFailure("e")
	r.RecordFailure("e")
	time.Sleep(recovery + 30*time.Millisecond)

	done, err := r.Allow("e")
	require.NoError(t, err)
	done(errors.New("connection refused"))

	assert.Equal(t, StateOpen, r.State("e"))
	assert.False(t, r.CanExecute("e"))
}

func TestRegistry_EndpointsAreIndependent(t *testing.T) {
	r := newTestRegistry(1, time.Minute)
	r.RecordFailure("bad")

	assert.False(t, r.CanExecute("bad"))
	assert.True(t, r.CanExecute("good"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "bad", snap[0].Endpoint)
	assert.Equal(t, "good", snap[1].Endpoint)
}

func TestRegistry_ConcurrentFailuresAreAllCounted(t *testing.T) {
	r := newTestRegistry(100, time.Minute)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("e")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(50), r.Stats("e").Failures)
}

func TestRegistry_MonitoringWindowDecaysFailures(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: 50 * time.Millisecond,
	}, testLogger())

	r.RecordFailure("e")
	r.RecordFailure("e")
	require.Equal(t, uint32(2), r.Stats("e").Failures)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, uint32(0), r.Stats("e").Failures)
	assert.True(t, r.CanExecute("e"))
}

func TestRegistry_FailureBurstSpanningWindowLengthStillTrips(t *testing.T) {
	window := 200 * time.Millisecond
	r := NewRegistry(Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: window,
	}, testLogger())

	// total elapsed exceeds the window, but no gap between failures does
	require.Equal(t, StateClosed, r.State("e"))
	time.Sleep(170 * time.Millisecond)
	for range 4 {
		r.RecordFailure("e")
	}
	time.Sleep(50 * time.Millisecond)
	r.RecordFailure("e")

	assert.Equal(t, StateOpen, r.State("e"))
	assert.False(t, r.CanExecute("e"))
}

func TestRegistry_FailuresSpacedWithinWindowAccumulate(t *testing.T) {
	window := 80 * time.Millisecond
	r := NewRegistry(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: window,
	}, testLogger())

	for range 3 {
		r.RecordFailure("e")
		time.Sleep(window / 2)
	}
	assert.Equal(t, StateOpen, r.State("e"))
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: 40 * time.Millisecond,
	}, testLogger())

	r.RecordFailure("stale")
	r.RecordSuccess("healthy")
	assert.Equal(t, 0, r.Sweep())

	time.Sleep(60 * time.Millisecond)
	r.RecordFailure("fresh")

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, uint32(1), r.Stats("fresh").Failures)
}

func TestRegistry_DoneIsIdempotent(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	done, err := r.Allow("e")
	require.NoError(t, err)
	done(errors.New("boom"))
	done(errors.New("boom"))
	assert.Equal(t, uint32(1), r.Stats("e").Failures)
}

func TestRegistry_CanExecuteReservesHalfOpenTrial(t *testing.T) {
	recovery := 50 * time.Millisecond
	r := newTestRegistry(2, recovery)
	r.RecordFailure("e")
	r.RecordFailure("e")
	time.Sleep(recovery + 30*time.Millisecond)

	assert.True(t, r.CanExecute("e"))
	assert.False(t, r.CanExecute("e"))
	_, err := r.Allow("e")
	require.Error(t, err)

	r.RecordSuccess("e")
	assert.Equal(t, StateClosed, r.State("e"))
	assert.Equal(t, uint32(0), r.Stats("e").Failures)
	assert.True(t, r.CanExecute("e"))
}

func TestRegistry_HalfOpenTrialFailureViaRecordFailure(t *testing.T) {
	recovery := 50 * time.Millisecond
	r := newTestRegistry(2, recovery)
	r.RecordFailure("e")
	r.RecordFailure("e")
	time.Sleep(recovery + 30*time.Millisecond)

	require.True(t, r.CanExecute("e"))
	r.RecordFailure("e")
	assert.Equal(t, StateOpen, r.State("e"))
	assert.False(t, r.CanExecute("e"))
}

func TestRegistry_CancellationIsNotCounted(t *testing.T) {
	r := newTestRegistry(1, time.Minute)

	done, err := r.Allow("e")
	require.NoError(t, err)
	done(searcherr.Classify("e", context.Canceled))

	stats := r.Stats("e")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint32(0), stats.Failures)
	assert.True(t, stats.LastFailure.IsZero())

	done, err = r.Allow("e")
	require.NoError(t, err)
	done(searcherr.New(searcherr.KindServer, "e", "status 503"))
	assert.Equal(t, StateOpen, r.State("e"))
}
