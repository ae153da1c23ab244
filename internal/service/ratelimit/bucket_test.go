package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireRespectsBurstAndRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTokenBucket(Config{RatePerMinute: 60, Burst: 2}, clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := b.TryAcquire(ctx); !ok {
			t.Fatalf("expected burst token %d", i)
		}
	}
	if ok, _ := b.TryAcquire(ctx); ok {
		t.Fatalf("bucket should be empty")
	}

	clock.Advance(500 * time.Millisecond)
	if ok, _ := b.TryAcquire(ctx); ok {
		t.Fatalf("half a token must not be granted")
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatalf("expected refilled token after 1s")
	}

	clock.Advance(time.Hour)
	granted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := b.TryAcquire(ctx); ok {
			granted++
		}
	}
	if granted != 2 {
		t.Fatalf("refill must cap at burst, granted %d", granted)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	b := NewTokenBucket(Config{RatePerMinute: 1, Burst: 1})
	ctx := context.Background()
	if ok, _ := b.Acquire(ctx, time.Millisecond); !ok {
		t.Fatalf("first token should be immediate")
	}
	start := time.Now()
	ok, err := b.Acquire(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("second token should not be available within 30ms at 1/min")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("acquire returned before its timeout")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	b := NewTokenBucket(Config{RatePerMinute: 60 * 50, Burst: 1}) // one token per 20ms
	ctx := context.Background()
	_, _ = b.TryAcquire(ctx)

	start := time.Now()
	ok, err := b.Acquire(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected token after refill, ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("acquire did not wait for refill")
	}
}

func TestConcurrentCallersNeverShareToken(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTokenBucket(Config{RatePerMinute: 60, Burst: 5}, clock.Now)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.TryAcquire(context.Background()); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 5 {
		t.Fatalf("expected exactly 5 grants, got %d", granted.Load())
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	b := NewTokenBucket(Config{RatePerMinute: 1, Burst: 1})
	_, _ = b.TryAcquire(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := b.Acquire(ctx, time.Second)
	if ok || err == nil {
		t.Fatalf("expected cancellation, ok=%v err=%v", ok, err)
	}
}
