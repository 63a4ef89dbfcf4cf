package pipeline

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/foofork/riptide/internal/core"
)

// RetryPolicy decides whether a failed attempt runs again and how long to
// wait first. Backoff is jittered exponential, scaled up as the global
// budget fills so a nearly exhausted crawl backs off harder.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
// Classification is delegated to the shared taxonomy: budget denials, open
// breakers, and malformed input never retry.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return core.Retryable(err)
}

// Backoff returns the wait before the next attempt. utilization is the
// global budget utilization in [0,1]; a fuller budget stretches the delay up
// to 2x so retries yield to fresh work.
func (p *RetryPolicy) Backoff(attempt int, utilization float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if utilization > 0 {
		if utilization > 1 {
			utilization = 1
		}
		delay *= 1 + utilization
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
