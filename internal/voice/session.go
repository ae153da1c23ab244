package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

var (
	// ErrInvalidSessionTransition is returned for a move the session state machine forbids.
	ErrInvalidSessionTransition = fmt.Errorf("voice: invalid session transition: %w", apperrors.ErrConflict)
	// ErrNotStreaming is returned when audio is requested before the media stream attached.
	ErrNotStreaming = fmt.Errorf("voice: session is not streaming: %w", apperrors.ErrConflict)
)

// SessionOptions configure one call session.
type SessionOptions struct {
	Relay        RelayOptions
	Bridge       BridgeOptions
	DrainTimeout time.Duration
	// OnLost is told when the session breaks for a local reason: synthesis
	// failing after its retry, a failed handshake, or a transport that never came back.
	OnLost func(error)
}

// Session owns the relay and bridge of one call leg.
type Session struct {
	CallID string
	TaskID uuid.UUID

	relay   *Relay
	bridge  *Bridge
	opts    SessionOptions
	log     *logger.Logger
	persist func(domain.SessionRecord)

	saveMu     sync.Mutex
	runCancel  context.CancelFunc
	finished   chan struct{}
	finishOnce sync.Once

	mu        sync.Mutex
	state     domain.SessionState
	lastError string
	inbound   int
	createdAt time.Time
	updatedAt time.Time
}

func newSession(callID string, taskID uuid.UUID, voice domain.VoiceConfig, backend synthesis.Backend, opts SessionOptions, log *logger.Logger, persist func(domain.SessionRecord)) *Session {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	now := time.Now().UTC()
	s := &Session{
		CallID:    callID,
		TaskID:    taskID,
		opts:      opts,
		log:       log,
		persist:   persist,
		finished:  make(chan struct{}),
		state:     domain.SessionInitiated,
		createdAt: now,
		updatedAt: now,
	}
	s.relay = NewRelay(opts.Relay, log, s.onRelayExceeded)
	s.relay.SetInboundHook(func([]byte) {
		s.mu.Lock()
		s.inbound++
		s.mu.Unlock()
	})
	s.bridge = NewBridge(backend, s.relay, voice, opts.Bridge, log, s.lose)

	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go s.relay.Run(ctx)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Finished is closed once the session reached Ended or Failed.
func (s *Session) Finished() <-chan struct{} { return s.finished }

// Record snapshots the session for storage and queries.
func (s *Session) Record() domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() domain.SessionRecord {
	return domain.SessionRecord{
		CallID:     s.CallID,
		TaskID:     s.TaskID,
		State:      s.state,
		Voice:      s.bridge.Voice(),
		QueueDepth: s.relay.Depth(),
		LastError:  s.lastError,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
}

func (s *Session) transition(to domain.SessionState) error {
	s.mu.Lock()
	if !domain.CanTransitionSession(s.state, to) {
		from := s.state
		s.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidSessionTransition)
	}
	s.state = to
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.log.Debug("session transition", zap.String("state", string(to)))
	s.sync()
	return nil
}

// sync persists a fresh snapshot; serialized so the last write carries the latest state.
func (s *Session) sync() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.persist != nil {
		s.persist(s.Record())
	}
}

// advance walks forward through the pre-streaming states up to target.
func (s *Session) advance(target domain.SessionState) error {
	order := []domain.SessionState{domain.SessionInitiated, domain.SessionRinging, domain.SessionConnected, domain.SessionStreaming}
	rank := func(st domain.SessionState) int {
		for i, o := range order {
			if o == st {
				return i
			}
		}
		return len(order)
	}
	for {
		cur := s.State()
		if rank(cur) >= rank(target) {
			if cur.Terminal() || cur == domain.SessionEnding {
				return fmt.Errorf("%s: %w", cur, ErrInvalidSessionTransition)
			}
			return nil
		}
		if err := s.transition(order[rank(cur)+1]); err != nil {
			return err
		}
	}
}

// Ring records that the vendor assigned a call id and the callee is being rung.
func (s *Session) Ring() error { return s.advance(domain.SessionRinging) }

// Answer records that the call was picked up.
func (s *Session) Answer() error { return s.advance(domain.SessionConnected) }

// Attach connects the media transport. The first attach performs the bridge
// handshake and enters Streaming; later attaches are reconnects.
func (s *Session) Attach(ctx context.Context, t Transport) error {
	if s.State() == domain.SessionStreaming {
		s.relay.Attach(t)
		return nil
	}
	if err := s.Answer(); err != nil {
		return err
	}
	s.relay.Attach(t)
	if err := s.bridge.Handshake(ctx); err != nil {
		s.lose(err)
		return err
	}
	return s.transition(domain.SessionStreaming)
}

// Detach notes that t disconnected; the relay holds frames for a reconnect.
func (s *Session) Detach(t Transport) {
	s.relay.Detach(t)
}

// Inbound forwards caller audio to the relay's consumer hook.
func (s *Session) Inbound(payload []byte) {
	s.relay.Inbound(payload)
}

// SetInboundHook replaces the consumer of caller audio.
func (s *Session) SetInboundHook(hook func([]byte)) {
	s.relay.SetInboundHook(func(p []byte) {
		s.mu.Lock()
		s.inbound++
		s.mu.Unlock()
		hook(p)
	})
}

// InboundFrames counts caller audio frames received.
func (s *Session) InboundFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound
}

// Speak starts an utterance. The session must be Streaming.
func (s *Session) Speak(text string) (*Utterance, error) {
	if s.State() != domain.SessionStreaming {
		return nil, ErrNotStreaming
	}
	return s.bridge.Speak(text)
}

// StopUtterance cancels an utterance and discards its undelivered audio.
func (s *Session) StopUtterance(id string) error {
	return s.bridge.Stop(id)
}

// UpdateVoice changes the voice for subsequent utterances.
func (s *Session) UpdateVoice(cfg domain.VoiceConfig) error {
	if s.State().Terminal() {
		return ErrInvalidSessionTransition
	}
	if err := s.bridge.UpdateVoice(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.sync()
	return nil
}

// QueueDepth is the number of outbound frames not yet sent.
func (s *Session) QueueDepth() int { return s.relay.Depth() }

// End moves to Ending, lets queued speech play out for up to the drain
// timeout, then releases resources and moves to Ended.
func (s *Session) End() error {
	if err := s.transition(domain.SessionEnding); err != nil {
		if s.State() == domain.SessionEnding || s.State().Terminal() {
			return nil
		}
		return err
	}

	s.bridge.Seal()
	deadline := time.Now().Add(s.opts.DrainTimeout)
	timer := time.NewTimer(s.opts.DrainTimeout)
	select {
	case <-s.bridge.Idle():
	case <-timer.C:
	case <-s.finished:
	}
	timer.Stop()

	drained := s.relay.Drain(time.Until(deadline))
	if !drained {
		s.log.Warn("session drain timed out", zap.Int("queue_depth", s.relay.Depth()))
	}

	s.release()
	if err := s.transition(domain.SessionEnded); err != nil && !s.State().Terminal() {
		return err
	}
	s.finish()
	return nil
}

// Fail moves a live session to Failed and releases its resources.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.SessionFailed
	if err != nil {
		s.lastError = err.Error()
	}
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.log.Warn("session failed", zap.Error(err))
	s.sync()
	s.release()
	s.finish()
}

func (s *Session) lose(err error) {
	s.Fail(err)
	if s.opts.OnLost != nil {
		s.opts.OnLost(err)
	}
}

func (s *Session) release() {
	s.bridge.Close()
	s.relay.Close()
	s.runCancel()
}

func (s *Session) finish() {
	s.finishOnce.Do(func() { close(s.finished) })
}

func (s *Session) onRelayExceeded(reason error) {
	s.mu.Lock()
	s.lastError = reason.Error()
	s.mu.Unlock()
	if err := s.End(); err != nil && !errors.Is(err, ErrInvalidSessionTransition) {
		s.log.Warn("end after relay overflow", zap.Error(err))
	}
	if s.opts.OnLost != nil {
		s.opts.OnLost(reason)
	}
}
