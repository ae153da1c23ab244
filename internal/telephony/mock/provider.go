package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/telephony"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// Provider simulates the telephony vendor. Scripted errors are returned by
// successive CreateCall invocations before random behaviour applies.
type Provider struct {
	mu          sync.Mutex
	successRate float64
	callLength  time.Duration
	rng         *rand.Rand
	script      []error
	sink        telephony.EventSink
	requests    []telephony.CallRequest
	status      map[string]domain.CallStatus
	ended       []string
}

// NewProvider constructs a mock provider. callLength > 0 makes the provider
// report ringing, answered and completed events to the sink on its own.
func NewProvider(successRate float64, callLength time.Duration) *Provider {
	return &Provider{
		successRate: successRate,
		callLength:  callLength,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		status:      make(map[string]domain.CallStatus),
	}
}

// Script queues errors for the next CreateCall invocations; nil entries succeed.
func (p *Provider) Script(errs ...error) {
	p.mu.Lock()
	p.script = append(p.script, errs...)
	p.mu.Unlock()
}

// SetEventSink registers where simulated call progress goes.
func (p *Provider) SetEventSink(sink telephony.EventSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// CreateCall simulates placing a call.
func (p *Provider) CreateCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.TransientDispatch("mock create call", err)
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var scripted error
	hasScript := len(p.script) > 0
	if hasScript {
		scripted, p.script = p.script[0], p.script[1:]
	}
	roll := p.rng.Float64()
	sink := p.sink
	p.mu.Unlock()

	if hasScript && scripted != nil {
		return "", scripted
	}
	if !hasScript && roll > p.successRate {
		return "", apperrors.TransientDispatch("simulated vendor failure", nil)
	}

	callID := "CA" + uuid.NewString()[:8]
	p.setStatus(callID, domain.CallQueued)
	if sink != nil && p.callLength > 0 {
		go p.simulate(callID, sink)
	}
	return callID, nil
}

func (p *Provider) simulate(callID string, sink telephony.EventSink) {
	ctx := context.Background()
	steps := []domain.CallStatus{domain.CallRinging, domain.CallInProgress, domain.CallCompleted}
	for _, st := range steps {
		time.Sleep(p.callLength / time.Duration(len(steps)))
		if p.Status(callID).Final() {
			return
		}
		p.setStatus(callID, st)
		sink(ctx, domain.CallEvent{CallID: callID, Status: st, OccurredAt: time.Now().UTC()})
	}
}

// EndCall marks the call completed.
func (p *Provider) EndCall(_ context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[callID]; !ok {
		return fmt.Errorf("mock end call %s: %w", callID, apperrors.ErrNotFound)
	}
	p.status[callID] = domain.CallCanceled
	p.ended = append(p.ended, callID)
	return nil
}

// GetCallStatus returns the simulated status.
func (p *Provider) GetCallStatus(_ context.Context, callID string) (domain.CallStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.status[callID]
	if !ok {
		return "", fmt.Errorf("mock call status %s: %w", callID, apperrors.ErrNotFound)
	}
	return st, nil
}

// Status returns the simulated status or "" when unknown.
func (p *Provider) Status(callID string) domain.CallStatus {
	st, _ := p.GetCallStatus(context.Background(), callID)
	return st
}

// Requests returns every CreateCall request seen.
func (p *Provider) Requests() []telephony.CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.CallRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Ended returns the call ids passed to EndCall.
func (p *Provider) Ended() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ended...)
}

func (p *Provider) setStatus(callID string, st domain.CallStatus) {
	p.mu.Lock()
	p.status[callID] = st
	p.mu.Unlock()
}
