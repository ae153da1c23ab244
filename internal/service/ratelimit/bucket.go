package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket is the in-process Limiter.
type TokenBucket struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucket builds a bucket that starts full.
func NewTokenBucket(cfg Config) *TokenBucket {
	return newTokenBucket(cfg, time.Now)
}

func newTokenBucket(cfg Config, now func() time.Time) *TokenBucket {
	return &TokenBucket{cfg: cfg, now: now, tokens: cfg.capacity(), last: now()}
}

func (b *TokenBucket) TryAcquire(ctx context.Context) (bool, error) {
	ok, _ := b.reserve()
	return ok, nil
}

func (b *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return waitLoop(ctx, timeout, func() (bool, time.Duration, error) {
		ok, wait := b.reserve()
		return ok, wait, nil
	})
}

func (b *TokenBucket) reserve() (bool, time.Duration) {
	rate := b.cfg.perSecond()
	if rate <= 0 {
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.cfg.capacity(), b.tokens+elapsed*rate)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / rate * float64(time.Second))
}
