package broker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled at a fixed rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter allows perMinute operations per minute with bursts of up
// to burst calls. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.rate <= 0 {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
