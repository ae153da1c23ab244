package synthesis

import (
	"context"

	"github.com/acme/voice-dispatch/internal/domain"
)

// Request asks for streaming synthesis of one utterance. Offset skips audio
// bytes the caller already received from an earlier attempt.
type Request struct {
	UtteranceID string
	Text        string
	Voice       domain.VoiceConfig
	Offset      int
}

// Stream yields synthesized audio in order. Recv returns io.EOF after the
// final chunk.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Voice describes a selectable synthesis voice.
type Voice struct {
	ID         string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
}

// Backend is the text-to-speech collaborator.
type Backend interface {
	Name() string
	SynthesizeStream(ctx context.Context, req Request) (Stream, error)
	ListVoices(ctx context.Context) ([]Voice, error)
	ValidateVoice(ctx context.Context, voiceID string) (bool, error)
}
