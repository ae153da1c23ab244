package elevenlabs

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/synthesis"
)

func newStreamServer(t *testing.T, chunks ...string) (*httptest.Server, chan []inputMessage) {
	t.Helper()
	seen := make(chan []inputMessage, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Path, "/voice-1/") || r.URL.Query().Get("output_format") != "ulaw_8000" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msgs []inputMessage
		for len(msgs) < 3 {
			var msg inputMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs = append(msgs, msg)
		}
		seen <- msgs
		for _, c := range chunks {
			b64 := base64.StdEncoding.EncodeToString([]byte(c))
			_ = conn.WriteJSON(map[string]any{"audio": b64, "isFinal": false})
		}
		_ = conn.WriteJSON(map[string]any{"audio": nil, "isFinal": true})
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.SynthesisConfig{
		APIKey:       "key",
		BaseURL:      srv.URL,
		StreamURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/text-to-speech/{voice_id}/stream-input",
		OutputFormat: "ulaw_8000",
		ModelID:      "eleven_flash_v2_5",
	})
}

func collect(t *testing.T, s synthesis.Stream) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []byte
	for {
		chunk, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return string(out)
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, chunk...)
	}
}

func TestSynthesizeStreamProtocol(t *testing.T) {
	srv, seen := newStreamServer(t, "abc", "def")
	client := newTestClient(srv)

	voice := domain.VoiceConfig{VoiceID: "voice-1", Settings: domain.VoiceSettings{Stability: 0.4, SimilarityBoost: 0.8}}
	s, err := client.SynthesizeStream(context.Background(), synthesis.Request{Text: "hello", Voice: voice})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	if got := collect(t, s); got != "abcdef" {
		t.Fatalf("expected abcdef, got %q", got)
	}

	msgs := <-seen
	if msgs[0].Text != " " || msgs[0].VoiceSettings == nil || msgs[0].VoiceSettings.Stability != 0.4 {
		t.Fatalf("unexpected init message %+v", msgs[0])
	}
	if msgs[1].Text != "hello " {
		t.Fatalf("expected text with trailing space, got %q", msgs[1].Text)
	}
	if msgs[2].Text != "" {
		t.Fatalf("expected end-of-stream marker, got %q", msgs[2].Text)
	}
}

func TestSynthesizeStreamSkipsOffset(t *testing.T) {
	srv, _ := newStreamServer(t, "abc", "def")
	client := newTestClient(srv)

	s, err := client.SynthesizeStream(context.Background(), synthesis.Request{Text: "hello", Voice: domain.VoiceConfig{VoiceID: "voice-1"}, Offset: 4})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	if got := collect(t, s); got != "ef" {
		t.Fatalf("expected ef after offset, got %q", got)
	}
}

func TestValidateVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/voices/known":
			_, _ = w.Write([]byte(`{"voice_id":"known","name":"Known"}`))
		case "/v1/voices":
			_, _ = w.Write([]byte(`{"voices":[{"voice_id":"known","name":"Known"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	client := newTestClient(srv)

	ok, err := client.ValidateVoice(context.Background(), "known")
	if err != nil || !ok {
		t.Fatalf("expected known voice valid, got %v %v", ok, err)
	}
	ok, err = client.ValidateVoice(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected missing voice invalid, got %v %v", ok, err)
	}
	voices, err := client.ListVoices(context.Background())
	if err != nil || len(voices) != 1 || voices[0].Name != "Known" {
		t.Fatalf("unexpected voices %v %v", voices, err)
	}
}
