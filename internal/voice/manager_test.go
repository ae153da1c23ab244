package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository/memory"
	"github.com/acme/voice-dispatch/internal/synthesis/mock"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

func newTestManager(t *testing.T, backend *mock.Backend, cfg config.RelayConfig) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	m := NewManager(backend, store, cfg, testVoice, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m, store
}

func storedState(store *memory.Store, callID string) domain.SessionState {
	rec, err := store.GetSession(context.Background(), callID)
	if err != nil {
		return ""
	}
	return rec.State
}

func TestSessionLifecycle(t *testing.T) {
	backend := mock.NewBackend(160, 5)
	m, store := newTestManager(t, backend, testRelayConfig())
	ctx := context.Background()

	s, err := m.Open(ctx, "CA1", uuid.New(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != domain.SessionRinging {
		t.Fatalf("expected ringing, got %s", s.State())
	}
	if _, err := m.Speak(ctx, "CA1", "too early"); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected not streaming, got %v", err)
	}

	if err := m.HandleCallEvent(ctx, domain.CallEvent{CallID: "CA1", Status: domain.CallInProgress}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if s.State() != domain.SessionConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}

	tr := &fakeTransport{}
	if _, err := m.Attach(ctx, "CA1", tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.State() != domain.SessionStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}

	u, err := m.Speak(ctx, "CA1", "hello")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	<-u.Done()

	if err := m.HandleCallEvent(ctx, domain.CallEvent{CallID: "CA1", Status: domain.CallCompleted}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitFor(t, "session ended", func() bool { return s.State() == domain.SessionEnded })
	if tr.count() != 5 {
		t.Fatalf("expected drained audio, got %d frames", tr.count())
	}
	waitFor(t, "stored ended", func() bool { return storedState(store, "CA1") == domain.SessionEnded })
	waitFor(t, "session reaped", func() bool { return m.Len() == 0 })

	rec, err := m.Get(ctx, "CA1")
	if err != nil || rec.State != domain.SessionEnded {
		t.Fatalf("expected stored record, got %+v %v", rec, err)
	}
}

func TestSessionAttachRequiresHandshake(t *testing.T) {
	m, _ := newTestManager(t, mock.NewBackend(160, 1), testRelayConfig())
	ctx := context.Background()

	s, err := m.Open(ctx, "CA2", uuid.New(), &domain.VoiceConfig{VoiceID: "unknown-voice"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Attach(ctx, "CA2", &fakeTransport{}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if s.State() != domain.SessionFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
}

func TestSessionFailsAfterSecondSynthesisFailure(t *testing.T) {
	backend := mock.NewBackend(160, 10)
	backend.Disconnect(2, 1)
	m, store := newTestManager(t, backend, testRelayConfig())
	ctx := context.Background()
	lost := make(chan string, 1)
	m.SetLostHook(func(callID string, _ uuid.UUID, cause error) { lost <- callID })

	s, _ := m.Open(ctx, "CA3", uuid.New(), nil)
	tr := &fakeTransport{}
	if _, err := m.Attach(ctx, "CA3", tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	u, err := m.Speak(ctx, "CA3", "doomed")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	<-u.Done()

	waitFor(t, "session failed", func() bool { return s.State() == domain.SessionFailed })
	waitFor(t, "failure persisted", func() bool { return storedState(store, "CA3") == domain.SessionFailed })
	select {
	case id := <-lost:
		if id != "CA3" {
			t.Fatalf("lost hook reported %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("lost hook not called after synthesis failure")
	}
	if rec := s.Record(); !strings.Contains(rec.LastError, "synthesis failed") {
		t.Fatalf("expected synthesis error recorded, got %q", rec.LastError)
	}
}

func TestSessionVendorFailureIsFatal(t *testing.T) {
	m, _ := newTestManager(t, mock.NewBackend(160, 1), testRelayConfig())
	ctx := context.Background()
	lost := make(chan error, 1)
	m.SetLostHook(func(_ string, _ uuid.UUID, cause error) { lost <- cause })

	s, _ := m.Open(ctx, "CA4", uuid.New(), nil)
	if err := m.HandleCallEvent(ctx, domain.CallEvent{CallID: "CA4", Status: domain.CallBusy}); err != nil {
		t.Fatalf("event: %v", err)
	}
	if s.State() != domain.SessionFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	if !strings.Contains(s.Record().LastError, "busy") {
		t.Fatalf("expected vendor reason, got %q", s.Record().LastError)
	}
	// the vendor already finished the call; the task side hears it from the event
	select {
	case cause := <-lost:
		t.Fatalf("vendor failure reported as local loss: %v", cause)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSessionEndStopsAtDrainTimeout(t *testing.T) {
	cfg := testRelayConfig()
	cfg.DrainTimeout = 80 * time.Millisecond
	m, _ := newTestManager(t, mock.NewBackend(160, 5), cfg)
	ctx := context.Background()

	s, _ := m.Open(ctx, "CA5", uuid.New(), nil)
	tr := &fakeTransport{gate: make(chan struct{})}
	defer close(tr.gate)
	if _, err := m.Attach(ctx, "CA5", tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := s.Speak("stuck"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, "queued audio", func() bool { return s.QueueDepth() > 0 })

	start := time.Now()
	if err := s.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("unexpected drain duration %s", elapsed)
	}
	if s.State() != domain.SessionEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
}

func TestSessionOverflowWhileDisconnectedEnds(t *testing.T) {
	cfg := testRelayConfig()
	cfg.ReconnectBuffer = 2
	cfg.DrainTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, mock.NewBackend(160, 10), cfg)
	ctx := context.Background()
	taskID := uuid.New()
	lost := make(chan error, 1)
	m.SetLostHook(func(_ string, id uuid.UUID, cause error) {
		if id == taskID {
			lost <- cause
		}
	})

	s, _ := m.Open(ctx, "CA6", taskID, nil)
	tr := &fakeTransport{}
	if _, err := m.Attach(ctx, "CA6", tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.Detach("CA6", tr)

	if _, err := s.Speak("nobody listening"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, "session ended", func() bool { return s.State() == domain.SessionEnded })
	if !strings.Contains(s.Record().LastError, "reconnect buffer") {
		t.Fatalf("expected overflow reason, got %q", s.Record().LastError)
	}
	select {
	case cause := <-lost:
		if !errors.Is(cause, ErrReconnectOverflow) {
			t.Fatalf("unexpected loss cause %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatalf("lost hook not called after overflow")
	}
	if tr.count() != 0 {
		t.Fatalf("expected no audio on detached transport")
	}
}

func TestUpdateVoiceRejectsUnknownVoice(t *testing.T) {
	m, _ := newTestManager(t, mock.NewBackend(160, 1), testRelayConfig())
	ctx := context.Background()
	if _, err := m.Open(ctx, "CA7", uuid.New(), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := m.UpdateVoice(ctx, "CA7", domain.VoiceConfig{VoiceID: "nope"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := m.UpdateVoice(ctx, "CA7", domain.VoiceConfig{VoiceID: "21m00Tcm4TlvDq8ikWAM"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := m.Get(ctx, "CA7")
	if rec.Voice.VoiceID != "21m00Tcm4TlvDq8ikWAM" {
		t.Fatalf("voice not updated: %+v", rec.Voice)
	}
	if _, err := m.Get(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
