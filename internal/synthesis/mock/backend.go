package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// Backend produces deterministic audio for a text so resumed streams can be
// compared byte-for-byte.
type Backend struct {
	ChunkSize int
	Chunks    int
	Delay     time.Duration

	mu       sync.Mutex
	voices   []synthesis.Voice
	cuts     []int
	requests []synthesis.Request
}

// NewBackend returns a backend emitting chunks*chunkSize bytes per utterance.
func NewBackend(chunkSize, chunks int) *Backend {
	return &Backend{
		ChunkSize: chunkSize,
		Chunks:    chunks,
		voices: []synthesis.Voice{
			{ID: "IKne3meq5aSn9XLyUdCD", Name: "Charlie", Category: "premade"},
			{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel", Category: "premade"},
		},
	}
}

// Disconnect scripts successive streams to fail after n chunks; -1 completes normally.
func (b *Backend) Disconnect(afterChunks ...int) {
	b.mu.Lock()
	b.cuts = append(b.cuts, afterChunks...)
	b.mu.Unlock()
}

// Requests returns every synthesis request seen.
func (b *Backend) Requests() []synthesis.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]synthesis.Request(nil), b.requests...)
}

// Audio is the full audio the backend produces for text.
func (b *Backend) Audio(text string) []byte {
	out := make([]byte, 0, b.ChunkSize*b.Chunks)
	for i := 0; i < b.ChunkSize*b.Chunks; i++ {
		var seed byte
		if len(text) > 0 {
			seed = text[i%len(text)]
		}
		out = append(out, seed+byte(i))
	}
	return out
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) SynthesizeStream(ctx context.Context, req synthesis.Request) (synthesis.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.requests = append(b.requests, req)
	cut := -1
	if len(b.cuts) > 0 {
		cut, b.cuts = b.cuts[0], b.cuts[1:]
	}
	b.mu.Unlock()

	audio := b.Audio(req.Text)
	if req.Offset > len(audio) {
		req.Offset = len(audio)
	}
	return &stream{audio: audio[req.Offset:], chunk: b.ChunkSize, cut: cut, delay: b.Delay}, nil
}

func (b *Backend) ListVoices(ctx context.Context) ([]synthesis.Voice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]synthesis.Voice(nil), b.voices...), nil
}

func (b *Backend) ValidateVoice(ctx context.Context, voiceID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.voices {
		if v.ID == voiceID {
			return true, nil
		}
	}
	return false, nil
}

type stream struct {
	audio []byte
	chunk int
	cut   int
	sent  int
	delay time.Duration
}

func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cut >= 0 && s.sent >= s.cut {
		return nil, apperrors.TransientStream("mock backend disconnected", nil)
	}
	if len(s.audio) == 0 {
		return nil, io.EOF
	}
	n := s.chunk
	if n <= 0 || n > len(s.audio) {
		n = len(s.audio)
	}
	out := append([]byte(nil), s.audio[:n]...)
	s.audio = s.audio[n:]
	s.sent++
	return out, nil
}

func (s *stream) Close() error { return nil }
