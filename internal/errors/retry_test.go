package errors

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

// fastTransient is the provider policy with delays shrunk for tests.
func fastTransient() RetryConfig {
	cfg := TransientRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

// statusSequence answers with each HTTP status in turn and then 200.
func statusSequence(statuses ...int) (fn func() (string, error), calls *int) {
	calls = new(int)
	return func() (string, error) {
		*calls++
		if *calls <= len(statuses) {
			return "", FromHTTPStatus(statuses[*calls-1], "europepmc")
		}
		return "body", nil
	}, calls
}

// =============================================================================
// Provider Statuses
// =============================================================================

func TestRetryWithResult_ProviderStatuses(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantErr  string
		attempts int
	}{
		{"429 then ok", []int{http.StatusTooManyRequests}, "", 2},
		{"503 twice then ok", []int{http.StatusServiceUnavailable, http.StatusBadGateway}, "", 3},
		{"400 is final", []int{http.StatusBadRequest}, ErrCodeUpstreamRejected, 1},
		{"404 is final", []int{http.StatusNotFound}, ErrCodeUpstreamRejected, 1},
		{"500 exhausts retries", []int{500, 500, 500}, ErrCodeUpstreamFailure, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := statusSequence(tt.statuses...)

			got, err := RetryWithResult(context.Background(), fastTransient(), fn)

			assert.Equal(t, tt.attempts, *calls)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "body", got)
				return
			}
			require.Error(t, err)
			assert.Empty(t, got)
			assert.Equal(t, tt.wantErr, GetCode(err))
		})
	}
}

func TestRetryWithResult_RejectionIsNotWrapped(t *testing.T) {
	// Given: a provider answering 403
	fn, _ := statusSequence(http.StatusForbidden)

	// When: retrying with the transient policy
	_, err := RetryWithResult(context.Background(), fastTransient(), fn)

	// Then: the original classified error comes back as-is
	var ee *ExpertError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "403", ee.Details["status"])
	assert.NotContains(t, err.Error(), "failed after")
}

func TestRetryWithResult_ExhaustedRetriesWrapLastError(t *testing.T) {
	fn, _ := statusSequence(503, 503, 502)

	_, err := RetryWithResult(context.Background(), fastTransient(), fn)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.True(t, IsRetryable(err))
}

func TestRetryWithResult_TransportErrorsAreRetried(t *testing.T) {
	// Given: a dial failure followed by a good answer
	calls := 0
	fn := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, FromTransport(context.Background(), fmt.Errorf("connection refused"), "crossref")
		}
		return 42, nil
	}

	// When: retrying
	got, err := RetryWithResult(context.Background(), fastTransient(), fn)

	// Then: the second attempt wins
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRetryWithResult_CancelledContextStopsBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn, calls := statusSequence()

	_, err := RetryWithResult(ctx, fastTransient(), fn)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, *calls)
}

func TestRetryWithResult_DeadlineInterruptsBackoff(t *testing.T) {
	// Given: a long backoff and a short deadline
	cfg := TransientRetryConfig()
	cfg.InitialDelay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	fn, calls := statusSequence(503, 503, 503)

	// When: the first attempt fails
	start := time.Now()
	_, err := RetryWithResult(ctx, cfg, fn)

	// Then: the wait is abandoned at the deadline
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, *calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// =============================================================================
// Backoff
// =============================================================================

func TestRetryWithResult_BackoffGrowsAndCaps(t *testing.T) {
	// Given: deterministic delays of 10ms, 20ms and then the 25ms cap
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  IsRetryable,
	}
	var stamps []time.Time
	fn := func() (struct{}, error) {
		stamps = append(stamps, time.Now())
		return struct{}{}, FromHTTPStatus(http.StatusTooManyRequests, "openalex")
	}

	// When: every attempt is rate limited
	_, err := RetryWithResult(context.Background(), cfg, fn)

	// Then: gaps follow the schedule
	require.Error(t, err)
	require.Len(t, stamps, 4)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[3].Sub(stamps[2]), 25*time.Millisecond)
}

func TestRetryWithResult_JitterStaysWithinHalfDelay(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   1,
		InitialDelay: 40 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
	var stamps []time.Time
	fn := func() (struct{}, error) {
		stamps = append(stamps, time.Now())
		return struct{}{}, FromHTTPStatus(http.StatusServiceUnavailable, "pubmed")
	}

	_, _ = RetryWithResult(context.Background(), cfg, fn)

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
}

// =============================================================================
// Policies
// =============================================================================

func TestTransientRetryConfig(t *testing.T) {
	cfg := TransientRetryConfig()

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.True(t, cfg.Jitter)
	require.NotNil(t, cfg.ShouldRetry)
	assert.True(t, cfg.ShouldRetry(FromHTTPStatus(http.StatusTooManyRequests, "crossref")))
	assert.True(t, cfg.ShouldRetry(FromHTTPStatus(http.StatusServiceUnavailable, "crossref")))
	assert.False(t, cfg.ShouldRetry(FromHTTPStatus(http.StatusBadRequest, "crossref")))
	assert.False(t, cfg.ShouldRetry(ErrCircuitOpen))
	assert.False(t, cfg.ShouldRetry(errors.New("plain")))
}
