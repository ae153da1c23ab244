package voice

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
)

var testVoice = domain.VoiceConfig{
	VoiceID:  "IKne3meq5aSn9XLyUdCD",
	Settings: domain.VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
}

type fakeTransport struct {
	mu       sync.Mutex
	payloads [][]byte
	clears   int
	calls    int
	failAt   int
	gate     chan struct{}
}

func (f *fakeTransport) SendAudio(p []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return errors.New("transport closed")
	}
	f.payloads = append(f.payloads, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeTransport) audio() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, p := range f.payloads {
		out = append(out, p...)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		FrameBytes:         160,
		HighWater:          100,
		LowWater:           25,
		ReconnectBuffer:    250,
		ReconnectTimeout:   time.Second,
		DrainTimeout:       time.Second,
		BridgeRetryTimeout: time.Second,
	}
}
