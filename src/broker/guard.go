package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Guard wraps vendor calls with rate limiting, a circuit breaker, a per-call
// timeout and bounded retries of transient failures.
type Guard struct {
	name    string
	policy  RetryPolicy
	limiter *RateLimiter
	breaker *CircuitBreaker
	logger  *logrus.Entry
}

func NewGuard(name string, cfg Config, logger *logrus.Entry) *Guard {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{
		name: name,
		policy: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		limiter: NewRateLimiter(cfg.RatePerMinute, 10),
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger.WithField("broker", name),
	}
}

// Breaker exposes the adapter breaker for health reporting.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do runs fn under the guard. Terminal vendor answers count as a healthy
// connection and are returned immediately. Any other vendor error counts
// against the breaker; a call abandoned by the caller records nothing.
func (g *Guard) Do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	attempt := 0
	return Retry(ctx, g.policy, IsRetryable, func() error {
		attempt++
		if !g.breaker.Allow() {
			return fmt.Errorf("%s: %s: %w", g.name, op, ErrCircuitOpen)
		}
		recorded := false
		defer func() {
			if !recorded {
				g.breaker.Release()
			}
		}()

		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &ConnectionError{Broker: g.name, Op: op, Err: err}
		}

		switch {
		case err == nil || IsTerminal(err):
			g.breaker.RecordSuccess()
			recorded = true
		case ctx.Err() != nil:
			// abandoned by the caller, outcome unknown
		default:
			g.breaker.RecordFailure()
			recorded = true
			g.logger.WithFields(logrus.Fields{
				"op":        op,
				"attempt":   attempt,
				"retryable": IsRetryable(err),
			}).WithError(err).Warn("Broker call failed")
		}
		return err
	})
}

// Call runs a blocking vendor function that takes no context and returns as
// soon as ctx is done. The vendor call itself keeps running to completion in
// the background.
func Call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.val, r.err
	}
}
