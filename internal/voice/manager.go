package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// ErrSessionNotFound is returned for a call id with no live session.
var ErrSessionNotFound = fmt.Errorf("voice: session: %w", apperrors.ErrNotFound)

// Manager tracks the live sessions of this process.
type Manager struct {
	backend      synthesis.Backend
	store        repository.SessionStore
	opts         SessionOptions
	defaultVoice domain.VoiceConfig
	log          *logger.Logger
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	inbound  func(callID string, payload []byte)
	lost     func(callID string, taskID uuid.UUID, cause error)
}

// NewManager wires sessions to a synthesis backend and a session store.
// store may be nil when sessions need not outlive the process.
func NewManager(backend synthesis.Backend, store repository.SessionStore, cfg config.RelayConfig, defaultVoice domain.VoiceConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		backend: backend,
		store:   store,
		opts: SessionOptions{
			Relay: RelayOptions{
				ReconnectBuffer:  cfg.ReconnectBuffer,
				ReconnectTimeout: cfg.ReconnectTimeout,
			},
			Bridge: BridgeOptions{
				FrameBytes:   cfg.FrameBytes,
				HighWater:    cfg.HighWater,
				LowWater:     cfg.LowWater,
				RetryTimeout: cfg.BridgeRetryTimeout,
			},
			DrainTimeout: cfg.DrainTimeout,
		},
		defaultVoice: defaultVoice,
		log:          log.Named("voice"),
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
}

// DefaultVoice is used for tasks that do not pick a voice.
func (m *Manager) DefaultVoice() domain.VoiceConfig { return m.defaultVoice }

// SetInboundHook installs a consumer for caller audio of every new session.
func (m *Manager) SetInboundHook(hook func(callID string, payload []byte)) {
	m.mu.Lock()
	m.inbound = hook
	m.mu.Unlock()
}

// SetLostHook installs the owner told when a session breaks locally, so the
// call can be hung up and its task failed.
func (m *Manager) SetLostHook(hook func(callID string, taskID uuid.UUID, cause error)) {
	m.mu.Lock()
	m.lost = hook
	m.mu.Unlock()
}

// Open creates the session for a freshly placed call and moves it to Ringing.
// Opening an existing call id returns the live session.
func (m *Manager) Open(ctx context.Context, callID string, taskID uuid.UUID, voice *domain.VoiceConfig) (*Session, error) {
	if callID == "" {
		return nil, apperrors.Validation("call id is required")
	}
	cfg := m.defaultVoice
	if voice != nil {
		cfg = *voice
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	log := m.log.WithCall(callID)
	opts := m.opts
	opts.Bridge.OnEvent = func(ev Event) {
		log.Debug("utterance event",
			zap.String("utterance_id", ev.UtteranceID),
			zap.String("event", string(ev.Type)),
			zap.Int("frames", ev.Frames),
			zap.Error(ev.Err))
	}
	opts.OnLost = func(cause error) {
		log.Warn("voice session lost", zap.Error(cause))
		m.mu.RLock()
		hook := m.lost
		m.mu.RUnlock()
		if hook != nil {
			hook(callID, taskID, cause)
		}
	}
	s := newSession(callID, taskID, cfg, m.backend, opts, log, m.persist)
	if hook := m.inbound; hook != nil {
		s.SetInboundHook(func(p []byte) { hook(callID, p) })
	}
	m.sessions[callID] = s
	m.mu.Unlock()

	s.sync()
	go m.reap(s)

	if err := s.Ring(); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) reap(s *Session) {
	<-s.Finished()
	m.mu.Lock()
	if cur, ok := m.sessions[s.CallID]; ok && cur == s {
		delete(m.sessions, s.CallID)
	}
	m.mu.Unlock()
}

func (m *Manager) persist(rec domain.SessionRecord) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveSession(ctx, &rec); err != nil {
		m.log.Warn("persist session failed", zap.String("call_id", rec.CallID), zap.Error(err))
	}
}

// Session returns the live session for callID.
func (m *Manager) Session(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Get returns the session record, falling back to the store once the
// session is no longer live in this process.
func (m *Manager) Get(ctx context.Context, callID string) (*domain.SessionRecord, error) {
	if s, err := m.Session(callID); err == nil {
		rec := s.Record()
		return &rec, nil
	}
	if m.store == nil {
		return nil, ErrSessionNotFound
	}
	rec, err := m.store.GetSession(ctx, callID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// HandleCallEvent applies vendor call progress to the session.
func (m *Manager) HandleCallEvent(ctx context.Context, ev domain.CallEvent) error {
	s, err := m.Session(ev.CallID)
	if err != nil {
		return err
	}
	switch ev.Status {
	case domain.CallRinging, domain.CallInitiated, domain.CallQueued:
		err = s.Ring()
	case domain.CallInProgress, domain.CallAnswered:
		err = s.Answer()
	case domain.CallCompleted:
		go m.end(s)
	case domain.CallBusy, domain.CallNoAnswer, domain.CallFailed, domain.CallCanceled:
		s.Fail(apperrors.FatalSession(ev.Reason()))
	}
	// late progress for a session already ending is not an error
	if errors.Is(err, ErrInvalidSessionTransition) {
		return nil
	}
	return err
}

// Attach connects a media transport to the call's session.
func (m *Manager) Attach(ctx context.Context, callID string, t Transport) (*Session, error) {
	s, err := m.Session(callID)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx, t); err != nil {
		return nil, err
	}
	return s, nil
}

// Detach records that the media transport dropped.
func (m *Manager) Detach(callID string, t Transport) {
	if s, err := m.Session(callID); err == nil {
		s.Detach(t)
	}
}

// Speak starts an utterance on a streaming session.
func (m *Manager) Speak(ctx context.Context, callID, text string) (*Utterance, error) {
	s, err := m.Session(callID)
	if err != nil {
		return nil, err
	}
	return s.Speak(text)
}

// StopUtterance stops one utterance of a session.
func (m *Manager) StopUtterance(ctx context.Context, callID, utteranceID string) error {
	s, err := m.Session(callID)
	if err != nil {
		return err
	}
	if err := s.StopUtterance(utteranceID); err != nil {
		if errors.Is(err, ErrUtteranceNotFound) {
			return fmt.Errorf("%w: %w", err, apperrors.ErrNotFound)
		}
		return err
	}
	return nil
}

// UpdateVoice validates cfg against the backend and applies it to the
// session's next utterance.
func (m *Manager) UpdateVoice(ctx context.Context, callID string, cfg domain.VoiceConfig) error {
	s, err := m.Session(callID)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ok, err := m.backend.ValidateVoice(ctx, cfg.VoiceID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Validation("unknown voice " + cfg.VoiceID)
	}
	return s.UpdateVoice(cfg)
}

// End starts ending a session in the background.
func (m *Manager) End(callID string) error {
	s, err := m.Session(callID)
	if err != nil {
		return err
	}
	go m.end(s)
	return nil
}

func (m *Manager) end(s *Session) {
	if err := s.End(); err != nil {
		m.log.Warn("end session", zap.String("call_id", s.CallID), zap.Error(err))
	}
}

// Cleanup ends sessions older than maxAge and reports how many it ended.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.Record().CreatedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.log.Info("ending stale session", zap.String("call_id", s.CallID))
		go m.end(s)
	}
	return len(stale)
}

// Len counts live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends every live session and waits for them up to ctx.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		go m.end(s)
	}
	for _, s := range all {
		select {
		case <-s.Finished():
		case <-ctx.Done():
			return
		}
	}
}
