// File: internal/decision/retry_test.go
package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// timeoutNetError satisfies net.Error for testing strategy selection.
type timeoutNetError struct{ timeout bool }

func (e timeoutNetError) Error() string   { return "dial tcp: i/o problem" }
func (e timeoutNetError) Timeout() bool   { return e.timeout }
func (e timeoutNetError) Temporary() bool { return true }

func TestStrategyForClassification(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantName      string
		wantRetryable bool
		wantAttempts  int
	}{
		{"nil error", nil, "generic", true, 2},
		{"deadline exceeded", context.DeadlineExceeded, "timeout", true, 3},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), "timeout", true, 3},
		{"net timeout", timeoutNetError{timeout: true}, "timeout", true, 3},
		{"net failure", timeoutNetError{timeout: false}, "network", true, 5},
		{"timeout in message", errors.New("page load timeout"), "timeout", true, 3},
		{"captcha", errors.New("captcha challenge shown"), "captcha", true, 1},
		{"invalid input", errors.New("invalid selector"), "non_retryable", false, 0},
		{"not found", errors.New("element not found"), "non_retryable", false, 0},
		{"missing field", errors.New("missing required field"), "non_retryable", false, 0},
		{"unknown", errors.New("something odd"), "generic", true, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := StrategyFor(tc.err)
			assert.Equal(t, tc.wantName, s.Name)
			assert.Equal(t, tc.wantRetryable, s.Retryable)
			assert.Equal(t, tc.wantAttempts, s.MaxAttempts)
		})
	}
}

func TestNextDelayBacksOffExponentially(t *testing.T) {
	s := RetryStrategy{
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
	assert.Equal(t, time.Second, s.NextDelay(1))
	assert.Equal(t, 2*time.Second, s.NextDelay(2))
	assert.Equal(t, 4*time.Second, s.NextDelay(3))
	// Attempts below 1 are clamped to the first delay.
	assert.Equal(t, time.Second, s.NextDelay(0))
}

func TestNextDelayCapsAtMax(t *testing.T) {
	s := RetryStrategy{
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
	assert.Equal(t, 5*time.Second, s.NextDelay(10))
}

func TestNextDelayJitterStaysInRange(t *testing.T) {
	s := RetryStrategy{
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.3,
	}
	for i := 0; i < 100; i++ {
		d := s.NextDelay(2)
		assert.GreaterOrEqual(t, d, 1400*time.Millisecond)
		assert.LessOrEqual(t, d, 2600*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	s := RetryStrategy{Retryable: true, MaxAttempts: 3}
	assert.True(t, s.ShouldRetry(0))
	assert.True(t, s.ShouldRetry(2))
	assert.False(t, s.ShouldRetry(3))

	s.Retryable = false
	assert.False(t, s.ShouldRetry(0))
}
