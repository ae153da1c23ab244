package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/voice-dispatch/internal/domain"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

func TestNextDelayMonotonicWithoutJitter(t *testing.T) {
	p := New(domain.RetryPolicy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	prev := time.Duration(0)
	for attempt, expected := range want {
		got := p.NextDelay(attempt)
		if got != expected {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, expected)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", attempt, prev, got)
		}
		prev = got
	}

	if got := p.NextDelay(500); got != 30*time.Second {
		t.Fatalf("large attempt must cap at max delay, got %v", got)
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		r := r
		p := New(domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.5}).
			WithRand(func() float64 { return r })
		for attempt := 0; attempt < 8; attempt++ {
			d := p.NextDelay(attempt)
			if d < 0 || d > 10*time.Second {
				t.Fatalf("r=%v attempt=%d: delay %v outside [0, max]", r, attempt, d)
			}
		}
	}

	low := New(domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}).
		WithRand(func() float64 { return 0 })
	if got := low.NextDelay(0); got != 500*time.Millisecond {
		t.Fatalf("expected lower jitter bound 500ms, got %v", got)
	}
}

func TestNextDelayNeverNegative(t *testing.T) {
	p := New(domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 1}).
		WithRand(func() float64 { return 0 })
	if got := p.NextDelay(0); got != 0 {
		t.Fatalf("full jitter at r=0 should clamp to 0, got %v", got)
	}
}

func TestShouldRetry(t *testing.T) {
	p := New(domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	transient := apperrors.TransientDispatch("vendor 503", nil)

	cases := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"transient first", 1, transient, true},
		{"transient second", 2, transient, true},
		{"exhausted", 3, transient, false},
		{"timeout", 1, context.DeadlineExceeded, true},
		{"validation", 1, apperrors.Validation("bad number"), false},
		{"auth", 1, apperrors.Auth("bad token", nil), false},
		{"fatal session", 1, apperrors.FatalSession("busy"), false},
		{"unclassified", 1, errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := p.ShouldRetry(tc.attempt, tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
