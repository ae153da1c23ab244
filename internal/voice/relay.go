package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/pkg/logger"
)

var (
	// ErrRelayClosed is returned once the relay has shut down.
	ErrRelayClosed = errors.New("voice: relay closed")
	// ErrReconnectOverflow means more frames arrived while detached than the relay may hold.
	ErrReconnectOverflow = errors.New("voice: reconnect buffer exceeded")
	// ErrReconnectTimeout means the transport did not come back in time.
	ErrReconnectTimeout = errors.New("voice: transport reconnect timed out")
)

// Transport is the telephony side of a call's audio.
type Transport interface {
	SendAudio(payload []byte) error
	Clear() error
}

// Frame is one outbound transport frame of an utterance.
type Frame struct {
	UtteranceID string
	Seq         int
	Payload     []byte
}

// RelayOptions bound the relay's buffering.
type RelayOptions struct {
	ReconnectBuffer  int
	ReconnectTimeout time.Duration
}

// Relay moves synthesized frames to the transport in order and forwards
// inbound audio to a hook. It survives transport reconnects.
type Relay struct {
	opts RelayOptions
	log  *logger.Logger

	// sendMu is held across the cancelled check and the transport write so
	// Discard can wait out an in-flight send.
	sendMu sync.Mutex

	mu         sync.Mutex
	queue      []Frame
	transport  Transport
	pending    map[string]int
	cancelled  map[string]struct{}
	sending    bool
	closed     bool
	changed    chan struct{}
	detachTmr  *time.Timer
	sent       int
	inbound    func([]byte)
	onExceeded func(error)
	exceeded   sync.Once
}

// NewRelay builds a detached relay. onExceeded is called at most once when
// the reconnect bound or timeout is hit.
func NewRelay(opts RelayOptions, log *logger.Logger, onExceeded func(error)) *Relay {
	if opts.ReconnectBuffer <= 0 {
		opts.ReconnectBuffer = 250
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		opts:       opts,
		log:        log,
		pending:    make(map[string]int),
		cancelled:  make(map[string]struct{}),
		changed:    make(chan struct{}),
		onExceeded: onExceeded,
	}
}

// SetInboundHook installs the consumer of caller audio.
func (r *Relay) SetInboundHook(hook func([]byte)) {
	r.mu.Lock()
	r.inbound = hook
	r.mu.Unlock()
}

// Inbound forwards caller audio untouched. It never waits on the outbound path.
func (r *Relay) Inbound(payload []byte) {
	r.mu.Lock()
	hook := r.inbound
	r.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
}

// Attach connects a transport and resumes sending.
func (r *Relay) Attach(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
	if r.detachTmr != nil {
		r.detachTmr.Stop()
		r.detachTmr = nil
	}
	r.notifyLocked()
}

// Detach marks the transport gone. Frames queue up to ReconnectBuffer until
// Attach is called again or ReconnectTimeout passes.
func (r *Relay) Detach(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t != nil && r.transport != t {
		return
	}
	r.detachLocked()
}

func (r *Relay) detachLocked() {
	if r.closed || (r.transport == nil && r.detachTmr != nil) {
		return
	}
	r.transport = nil
	if r.opts.ReconnectTimeout > 0 {
		r.detachTmr = time.AfterFunc(r.opts.ReconnectTimeout, func() {
			r.mu.Lock()
			still := r.transport == nil && !r.closed
			r.mu.Unlock()
			if still {
				r.exceed(ErrReconnectTimeout)
			}
		})
	}
	r.notifyLocked()
}

// Attached reports whether a transport is connected.
func (r *Relay) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport != nil
}

// Enqueue appends a frame. Frames of an utterance still being discarded are dropped.
func (r *Relay) Enqueue(f Frame) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if _, ok := r.cancelled[f.UtteranceID]; ok {
		r.mu.Unlock()
		return nil
	}
	if r.transport == nil && len(r.queue) >= r.opts.ReconnectBuffer {
		r.mu.Unlock()
		r.exceed(ErrReconnectOverflow)
		return ErrReconnectOverflow
	}
	r.queue = append(r.queue, f)
	r.pending[f.UtteranceID]++
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}

// Pending counts the frames of an utterance not yet sent or dropped.
func (r *Relay) Pending(utteranceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[utteranceID]
}

// Discard drops every queued frame of an utterance, tells the transport to
// flush what it buffered, and guarantees none of its frames enqueued so far
// is sent. Callers stop producing frames for the utterance before calling it.
func (r *Relay) Discard(utteranceID string) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	r.cancelled[utteranceID] = struct{}{}
	kept := r.queue[:0]
	for _, f := range r.queue {
		if f.UtteranceID != utteranceID {
			kept = append(kept, f)
			continue
		}
		r.settleLocked(utteranceID)
	}
	if r.pending[utteranceID] == 0 {
		// nothing in flight, so the marker has no frame left to guard
		delete(r.cancelled, utteranceID)
	}
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = Frame{}
	}
	r.queue = kept
	t := r.transport
	r.notifyLocked()
	r.mu.Unlock()

	if t != nil {
		if err := t.Clear(); err != nil {
			r.log.Debug("transport clear failed", zap.Error(err))
		}
	}
}

// Depth is the number of frames not yet handed to the transport.
func (r *Relay) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue)
	if r.sending {
		n++
	}
	return n
}

// Sent counts frames written to a transport.
func (r *Relay) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// WaitBelow blocks until Depth() <= n.
func (r *Relay) WaitBelow(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrRelayClosed
		}
		depth := len(r.queue)
		if r.sending {
			depth++
		}
		if depth <= n {
			r.mu.Unlock()
			return nil
		}
		wait := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Drain waits up to timeout for the queue to empty and reports whether it did.
func (r *Relay) Drain(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.WaitBelow(ctx, 0) == nil
}

// Run sends queued frames until ctx ends or the relay closes.
func (r *Relay) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.transport == nil || len(r.queue) == 0 {
			wait := r.changed
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
			continue
		}
		f := r.queue[0]
		r.queue[0] = Frame{}
		r.queue = r.queue[1:]
		r.sending = true
		r.mu.Unlock()

		r.send(f)
	}
}

func (r *Relay) send(f Frame) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	_, dropped := r.cancelled[f.UtteranceID]
	t := r.transport
	if dropped || t == nil {
		if dropped {
			r.settleLocked(f.UtteranceID)
		} else {
			r.queue = append([]Frame{f}, r.queue...)
		}
		r.sending = false
		r.notifyLocked()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	err := t.SendAudio(f.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sending = false
	if err != nil {
		r.log.Warn("transport send failed, holding frames for reconnect", zap.Error(err))
		r.queue = append([]Frame{f}, r.queue...)
		if r.transport == t {
			r.detachLocked()
		}
		r.notifyLocked()
		return
	}
	r.sent++
	r.settleLocked(f.UtteranceID)
	r.notifyLocked()
}

// Close stops the relay and releases waiters.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.queue = nil
	r.pending = make(map[string]int)
	r.cancelled = make(map[string]struct{})
	if r.detachTmr != nil {
		r.detachTmr.Stop()
	}
	r.notifyLocked()
}

func (r *Relay) exceed(reason error) {
	r.exceeded.Do(func() {
		r.log.Warn("relay gave up on transport", zap.Error(reason))
		if r.onExceeded != nil {
			go r.onExceeded(reason)
		}
	})
}

// settleLocked accounts for one frame of an utterance leaving the relay.
func (r *Relay) settleLocked(utteranceID string) {
	if n := r.pending[utteranceID] - 1; n > 0 {
		r.pending[utteranceID] = n
		return
	}
	delete(r.pending, utteranceID)
	delete(r.cancelled, utteranceID)
}

func (r *Relay) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
