package broker

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how patiently a call is repeated.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the wait before retry number attempt (0 based): an
// exponential ceiling starting at BaseDelay, capped at MaxDelay, with full
// jitter applied.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := p.BaseDelay << uint(attempt)
	if ceiling <= 0 || (p.MaxDelay > 0 && ceiling > p.MaxDelay) {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	half := ceiling / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Retry calls fn up to MaxAttempts times while retryable(err) holds, sleeping
// with jittered exponential backoff in between. Context cancellation stops
// the loop and is returned as is.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff(attempt)):
			}
		}
	}

	return err
}
