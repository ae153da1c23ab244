package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMediaStreamHandshakeAndAudio(t *testing.T) {
	received := make(chan map[string]any, 4)
	done := make(chan error, 1)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		stream := NewMediaStream(conn, time.Second)
		if err := stream.Handshake(2 * time.Second); err != nil {
			done <- err
			return
		}
		if stream.CallID() != "CAabc" {
			t.Errorf("expected CAabc, got %s", stream.CallID())
		}
		_ = stream.SendAudio([]byte{0xff, 0x7f})
		_ = stream.Clear()
		var inbound []byte
		err = stream.ReadLoop(func(b []byte) { inbound = append(inbound, b...) }, nil)
		if string(inbound) != "hi" {
			t.Errorf("expected inbound audio, got %q", inbound)
		}
		done <- err
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_ = client.WriteJSON(map[string]any{"event": "connected"})
	_ = client.WriteJSON(map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1", "callSid": "CAabc"}})

	for i := 0; i < 2; i++ {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		received <- msg
	}

	media := <-received
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Fatalf("unexpected media message %v", media)
	}
	payload := media["media"].(map[string]any)["payload"].(string)
	if raw, _ := base64.StdEncoding.DecodeString(payload); len(raw) != 2 {
		t.Fatalf("unexpected payload %q", payload)
	}
	if clear := <-received; clear["event"] != "clear" {
		t.Fatalf("expected clear, got %v", clear)
	}

	_ = client.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte("hi"))}})
	_ = client.WriteJSON(map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CAabc"}})

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamStopped) {
			t.Fatalf("expected ErrStreamStopped, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("read loop did not finish")
	}
}
