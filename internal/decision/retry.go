// File: internal/decision/retry.go
package decision

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryStrategy describes how a recoverable error should be retried.
type RetryStrategy struct {
	Name          string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	Retryable     bool
	Reason        string
}

// NextDelay computes the delay before the given attempt using exponential
// backoff with jitter. Attempts are 1-based.
func (s RetryStrategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(s.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.BackoffFactor
	}
	if max := float64(s.MaxDelay); delay > max {
		delay = max
	}
	if s.Jitter > 0 {
		jitterRange := delay * s.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be made after the given
// number of attempts so far.
func (s RetryStrategy) ShouldRetry(attempt int) bool {
	return s.Retryable && attempt < s.MaxAttempts
}

// StrategyFor maps an error to the retry strategy appropriate for it.
// Timeouts and network failures are retryable with backoff, captchas get a
// single long-delay attempt flagged for manual resolution, and input or
// selector errors are never retried.
func StrategyFor(err error) RetryStrategy {
	if err == nil {
		return genericStrategy()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutStrategy("Timeout while waiting for page or element")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return timeoutStrategy("Timeout while waiting for page or element")
		}
		return RetryStrategy{
			Name:          "network",
			MaxAttempts:   5,
			BaseDelay:     1500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        0.2,
			Retryable:     true,
			Reason:        "Network or transport error",
		}
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "timeout"):
		return timeoutStrategy("Timeout reported by error message")
	case strings.Contains(text, "captcha"):
		return RetryStrategy{
			Name:          "captcha",
			MaxAttempts:   1,
			BaseDelay:     5 * time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 1.0,
			Retryable:     true,
			Reason:        "Captcha detected; allow manual resolution",
		}
	case strings.Contains(text, "invalid"),
		strings.Contains(text, "not found"),
		strings.Contains(text, "missing"):
		return RetryStrategy{
			Name:      "non_retryable",
			Retryable: false,
			Reason:    "Non-retryable input or selector error",
		}
	}

	return genericStrategy()
}

func timeoutStrategy(reason string) RetryStrategy {
	return RetryStrategy{
		Name:          "timeout",
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.3,
		Retryable:     true,
		Reason:        reason,
	}
}

func genericStrategy() RetryStrategy {
	return RetryStrategy{
		Name:          "generic",
		MaxAttempts:   2,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.2,
		Retryable:     true,
		Reason:        "Unhandled error; default retry strategy",
	}
}
