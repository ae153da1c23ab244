package ratelimit

import (
	"context"
	"time"
)

// Limiter bounds dispatch starts across every campaign in the process (or fleet).
type Limiter interface {
	// TryAcquire takes a token without waiting.
	TryAcquire(ctx context.Context) (bool, error)
	// Acquire waits up to timeout for a token.
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config describes a token bucket refilling at RatePerMinute/60 tokens per second.
type Config struct {
	RatePerMinute float64
	Burst         int
}

func (c Config) perSecond() float64 {
	return c.RatePerMinute / 60
}

func (c Config) capacity() float64 {
	if c.Burst < 1 {
		return 1
	}
	return float64(c.Burst)
}

// waitLoop drives a reserve function until a token is granted, the
// timeout elapses, or ctx ends. reserve reports how long to wait when refused.
func waitLoop(ctx context.Context, timeout time.Duration, reserve func() (bool, time.Duration, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, wait, err := reserve()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
