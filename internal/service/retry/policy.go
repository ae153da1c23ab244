package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/voice-dispatch/internal/domain"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// Policy computes exponential backoff with jitter for failed attempts.
type Policy struct {
	params domain.RetryPolicy

	mu  sync.Mutex
	rng func() float64
}

// New builds a policy, normalising out-of-range parameters.
func New(params domain.RetryPolicy) *Policy {
	if params.BaseDelay <= 0 {
		params.BaseDelay = time.Second
	}
	if params.MaxDelay < params.BaseDelay {
		params.MaxDelay = params.BaseDelay
	}
	if params.Jitter < 0 {
		params.Jitter = 0
	}
	if params.Jitter > 1 {
		params.Jitter = 1
	}
	return &Policy{params: params, rng: rand.Float64}
}

// WithRand replaces the jitter source; f must return values in [0,1).
func (p *Policy) WithRand(f func() float64) *Policy {
	p.mu.Lock()
	p.rng = f
	p.mu.Unlock()
	return p
}

// Params returns the normalised parameters.
func (p *Policy) Params() domain.RetryPolicy {
	return p.params
}

// NextDelay returns the wait before retry number attempt (zero-based).
// The result is always within [0, MaxDelay].
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.params.MaxDelay
	if attempt < 62 {
		scaled := float64(p.params.BaseDelay) * math.Pow(2, float64(attempt))
		if scaled < float64(p.params.MaxDelay) {
			delay = time.Duration(scaled)
		}
	}

	if j := p.params.Jitter; j > 0 {
		p.mu.Lock()
		r := p.rng()
		p.mu.Unlock()
		delay = time.Duration(float64(delay) * (1 + (2*r-1)*j))
	}

	if delay < 0 {
		delay = 0
	}
	if delay > p.params.MaxDelay {
		delay = p.params.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have been made and the last one failed with err.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.params.MaxRetries {
		return false
	}
	return apperrors.KindOf(err).Retryable()
}
