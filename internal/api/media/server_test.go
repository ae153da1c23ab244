package media

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository/memory"
	"github.com/acme/voice-dispatch/internal/synthesis/mock"
	"github.com/acme/voice-dispatch/internal/voice"
)

func newManager(t *testing.T) *voice.Manager {
	t.Helper()
	m := voice.NewManager(mock.NewBackend(160, 3), memory.NewStore(), config.RelayConfig{
		FrameBytes:         160,
		HighWater:          100,
		LowWater:           25,
		ReconnectBuffer:    250,
		ReconnectTimeout:   time.Second,
		DrainTimeout:       time.Second,
		BridgeRetryTimeout: time.Second,
	}, domain.VoiceConfig{VoiceID: "IKne3meq5aSn9XLyUdCD", Settings: domain.VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

// serve runs a media server on a loopback port and returns its address.
func serve(t *testing.T, m *voice.Manager, opts Options) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewServer(m, opts, nil).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr, callID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/media/"+callID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func start(t *testing.T, conn *websocket.Conn, callID string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": "connected"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1", "callSid": callID}}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitState(t *testing.T, m *voice.Manager, callID string, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := m.Get(context.Background(), callID); err == nil && rec.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", callID, want)
}

func TestStreamAttachesSession(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if _, err := m.Open(ctx, "CA1", uuid.New(), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.HandleCallEvent(ctx, domain.CallEvent{CallID: "CA1", Status: domain.CallInProgress}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	addr := serve(t, m, Options{HandshakeTimeout: time.Second, WriteTimeout: time.Second})

	conn := dial(t, addr, "CA1")
	defer conn.Close()
	start(t, conn, "CA1")
	waitState(t, m, "CA1", domain.SessionStreaming)

	u, err := m.Speak(ctx, "CA1", "hello")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	got := 0
	for got < 3 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["event"] == "media" {
			got++
		}
	}
	<-u.Done()

	_ = conn.WriteJSON(map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CA1"}})
}

func TestStreamForUnknownCallIsClosed(t *testing.T) {
	m := newManager(t)
	addr := serve(t, m, Options{HandshakeTimeout: time.Second})

	conn := dial(t, addr, "CAnope")
	defer conn.Close()
	start(t, conn, "CAnope")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the stream")
	}
}

func TestPlainRequestIsRefused(t *testing.T) {
	addr := serve(t, newManager(t), Options{HandshakeTimeout: time.Second})
	resp, err := http.Get("http://" + addr + "/media/CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 without an upgrade, got %d", resp.StatusCode)
	}
}

func TestStreamRejectsMismatchedCall(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if _, err := m.Open(ctx, "CA2", uuid.New(), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	addr := serve(t, m, Options{HandshakeTimeout: time.Second})

	conn := dial(t, addr, "CA2")
	defer conn.Close()
	start(t, conn, "CAother")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the stream")
	}
	if rec, err := m.Get(ctx, "CA2"); err != nil || rec.State == domain.SessionStreaming {
		t.Fatalf("mismatched stream must not attach, got %v %v", rec, err)
	}
}
