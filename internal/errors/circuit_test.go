package errors

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable time source for breaker tests.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// fetchStatus simulates a provider call answering with status.
func fetchStatus(status int) func() ([]byte, error) {
	return func() ([]byte, error) {
		if status == http.StatusOK {
			return []byte("ok"), nil
		}
		return nil, FromHTTPStatus(status, "pubmed")
	}
}

// =============================================================================
// Tripping
// =============================================================================

func TestCircuitExecute_UpstreamFailuresOpenTheBreaker(t *testing.T) {
	// Given: a breaker that trips after three upstream failures
	cb := NewCircuitBreaker("pubmed", WithMaxFailures(3))

	// When: the provider answers 503 three times
	for i := 0; i < 3; i++ {
		_, err := CircuitExecute(cb, fetchStatus(http.StatusServiceUnavailable))
		require.Error(t, err)
	}

	// Then: the next call is skipped with a non-retryable error
	called := false
	_, err := CircuitExecute(cb, func() ([]byte, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "pubmed")
}

func TestCircuitExecute_WhatCountsAsFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		trips bool
	}{
		{"503", FromHTTPStatus(http.StatusServiceUnavailable, "crossref"), true},
		{"429", FromHTTPStatus(http.StatusTooManyRequests, "crossref"), true},
		{"plain error", errors.New("connection reset"), true},
		{"400 rejection", FromHTTPStatus(http.StatusBadRequest, "crossref"), false},
		{"404 rejection", FromHTTPStatus(http.StatusNotFound, "crossref"), false},
		{"validation", ValidationError("bad query", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a single-failure threshold
			cb := NewCircuitBreaker("crossref", WithMaxFailures(1))

			// When: the call fails with the error
			_, err := CircuitExecute(cb, func() (int, error) { return 0, tt.err })

			// Then: the error is returned untouched and only failures trip
			assert.Same(t, tt.err, err)
			if tt.trips {
				assert.Equal(t, StateOpen, cb.State())
			} else {
				assert.Equal(t, StateClosed, cb.State())
				assert.Zero(t, cb.Failures())
			}
		})
	}
}

func TestCircuitExecute_SuccessClearsFailures(t *testing.T) {
	cb := NewCircuitBreaker("europepmc", WithMaxFailures(3))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusBadGateway))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusBadGateway))
	require.Equal(t, 2, cb.Failures())

	body, err := CircuitExecute(cb, fetchStatus(http.StatusOK))

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Zero(t, cb.Failures())
	assert.Equal(t, StateClosed, cb.State())
}

// =============================================================================
// Recovery
// =============================================================================

func TestCircuitExecute_HalfOpenSuccessCloses(t *testing.T) {
	// Given: an open breaker
	clock := newTestClock()
	cb := NewCircuitBreaker("openalex",
		WithMaxFailures(1),
		WithResetTimeout(time.Minute),
		WithBreakerClock(clock.Now))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusInternalServerError))
	require.Equal(t, StateOpen, cb.State())

	// When: the reset timeout passes and the provider has recovered
	clock.Advance(2 * time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())
	_, err := CircuitExecute(cb, fetchStatus(http.StatusOK))

	// Then: the breaker closes
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitExecute_HalfOpenFailureReopens(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker("openalex",
		WithMaxFailures(2),
		WithResetTimeout(time.Minute),
		WithBreakerClock(clock.Now))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusInternalServerError))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusInternalServerError))
	clock.Advance(2 * time.Minute)

	// When: the trial call fails again
	_, err := CircuitExecute(cb, fetchStatus(http.StatusServiceUnavailable))

	// Then: the breaker reopens from the new failure time
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitExecute_HalfOpenRejectionKeepsTrialOpen(t *testing.T) {
	// Given: a half-open breaker
	clock := newTestClock()
	cb := NewCircuitBreaker("crossref",
		WithMaxFailures(1),
		WithResetTimeout(time.Minute),
		WithBreakerClock(clock.Now))
	_, _ = CircuitExecute(cb, fetchStatus(http.StatusBadGateway))
	clock.Advance(2 * time.Minute)

	// When: the trial call is a 400 rejection
	_, err := CircuitExecute(cb, fetchStatus(http.StatusBadRequest))

	// Then: the rejection says nothing about upstream health
	assert.Equal(t, ErrCodeUpstreamRejected, GetCode(err))
	assert.Equal(t, StateHalfOpen, cb.State())
}

// =============================================================================
// Concurrency
// =============================================================================

func TestCircuitExecute_ConcurrentCallers(t *testing.T) {
	cb := NewCircuitBreaker("pubmed", WithMaxFailures(100))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := http.StatusOK
			if i%2 == 1 {
				status = http.StatusServiceUnavailable
			}
			_, _ = CircuitExecute(cb, fetchStatus(status))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
	assert.LessOrEqual(t, cb.Failures(), 10)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("pubmed")

	assert.Equal(t, 5, cb.maxFailures)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
