package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// TimeoutRetryPolicy implements RetryPolicy by retrying timeout-class errors only.
//
// The zero value retries timeouts forever with no delay. A slow endpoint can
// therefore stall the crawl indefinitely; set MaxRetries to bound it.
type TimeoutRetryPolicy struct {
	// MaxRetries caps the number of retries after the first attempt. 0 means unlimited.
	MaxRetries int
	// Delay is the wait before each retry.
	Delay time.Duration
	// MaxDelay, when greater than Delay, turns Delay into the base of a jittered
	// exponential backoff capped at MaxDelay.
	MaxDelay time.Duration
}

// NewTimeoutRetryPolicy builds a policy from the crawler retry settings.
func NewTimeoutRetryPolicy(maxRetries int, delay, maxDelay time.Duration) *TimeoutRetryPolicy {
	return &TimeoutRetryPolicy{
		MaxRetries: maxRetries,
		Delay:      delay,
		MaxDelay:   maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable. attempt is the 1-based
// number of attempts already made.
func (p *TimeoutRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if p.MaxRetries > 0 && attempt > p.MaxRetries {
		return false
	}
	return IsTimeout(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *TimeoutRetryPolicy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.MaxDelay <= p.Delay {
		return p.Delay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Delay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
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
