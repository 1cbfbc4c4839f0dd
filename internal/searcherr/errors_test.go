package searcherr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusTooManyRequests, KindRateLimit, true},
		{http.StatusNotFound, KindNotFound, false},
		{http.StatusGone, KindNotFound, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusForbidden, KindRejected, false},
		{http.StatusUnauthorized, KindRejected, false},
		{http.StatusBadRequest, KindRejected, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromStatus("https://example.com", tt.status, nil, nil)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

func TestFromStatus_RetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := FromStatus("e", http.StatusTooManyRequests, h, []byte("slow down"))
	assert.Equal(t, 7*time.Second, err.RetryAfter)
	assert.Contains(t, err.Error(), "slow down")
	assert.Contains(t, err.Error(), "status 429")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify("e", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindNetwork, Classify("e", errors.New("connection refused")).Kind)
	assert.False(t, Retryable(Classify("e", context.Canceled)))
	assert.Nil(t, Classify("e", nil))

	original := New(KindRateLimit, "e", "busy")
	wrapped := fmt.Errorf("provider failed: %w", original)
	assert.Same(t, original, Classify("e", wrapped))
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", QueueTimeout("https://a.test", 3*time.Second))
	require.True(t, errors.Is(err, &Error{Kind: KindTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNetwork}))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRetryable_NonRetryableKinds(t *testing.T) {
	for _, k := range []Kind{KindCircuitOpen, KindValidation, KindNotFound, KindRejected} {
		assert.False(t, Retryable(&Error{Kind: k}), k.String())
	}
	assert.False(t, Retryable(errors.New("plain")))
}
