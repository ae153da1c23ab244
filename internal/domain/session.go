package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// SessionState enumerates lifecycle stages of a call leg.
type SessionState string

const (
	SessionInitiated SessionState = "initiated"
	SessionRinging   SessionState = "ringing"
	SessionConnected SessionState = "connected"
	SessionStreaming SessionState = "streaming"
	SessionEnding    SessionState = "ending"
	SessionEnded     SessionState = "ended"
	SessionFailed    SessionState = "failed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionInitiated: {SessionRinging, SessionEnding, SessionFailed},
	SessionRinging:   {SessionConnected, SessionEnding, SessionFailed},
	SessionConnected: {SessionStreaming, SessionEnding, SessionFailed},
	SessionStreaming: {SessionEnding, SessionFailed},
	SessionEnding:    {SessionEnded, SessionFailed},
}

// Terminal reports whether the session has released its resources.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionFailed
}

// CanTransitionSession reports whether from -> to is an edge of the session state machine.
func CanTransitionSession(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VoiceSettings are the tunable synthesis parameters.
type VoiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           float64  `json:"style"`
	UseSpeakerBoost bool     `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

// VoiceConfig selects the synthesis voice for a session.
type VoiceConfig struct {
	VoiceID  string        `json:"voice_id"`
	Settings VoiceSettings `json:"settings"`
}

// Validate checks that every setting is inside its bounds.
func (v VoiceConfig) Validate() error {
	if v.VoiceID == "" {
		return apperrors.Validation("voice_id is required")
	}
	unit := map[string]float64{
		"stability":        v.Settings.Stability,
		"similarity_boost": v.Settings.SimilarityBoost,
		"style":            v.Settings.Style,
	}
	for name, value := range unit {
		if value < 0 || value > 1 {
			return apperrors.Validation(fmt.Sprintf("%s must be within [0,1], got %v", name, value))
		}
	}
	if s := v.Settings.Speed; s != nil && (*s < 0.7 || *s > 1.2) {
		return apperrors.Validation(fmt.Sprintf("speed must be within [0.7,1.2], got %v", *s))
	}
	return nil
}

// SessionRecord is the persisted view of a call session.
type SessionRecord struct {
	CallID     string
	TaskID     uuid.UUID
	State      SessionState
	Voice      VoiceConfig
	QueueDepth int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CallStatus is a vendor-reported call progress value.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallAnswered   CallStatus = "answered"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no-answer"
	CallFailed     CallStatus = "failed"
	CallCanceled   CallStatus = "canceled"
)

// Final reports whether the vendor will send no further progress for the call.
func (s CallStatus) Final() bool {
	switch s {
	case CallCompleted, CallBusy, CallNoAnswer, CallFailed, CallCanceled:
		return true
	}
	return false
}

// CallEvent is a vendor status callback.
type CallEvent struct {
	CallID     string     `json:"call_id"`
	Status     CallStatus `json:"status"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Duration   int        `json:"duration_seconds,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Reason formats the vendor's explanation for a failed call.
func (e CallEvent) Reason() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("call %s (vendor code %s)", e.Status, e.ErrorCode)
	}
	return fmt.Sprintf("call %s", e.Status)
}
