package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamStopped is returned by ReadLoop when the vendor ends the stream.
var ErrStreamStopped = errors.New("twilio: media stream stopped")

type streamMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
	Stop      *streamStop  `json:"stop,omitempty"`
}

type streamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStop struct {
	CallSID string `json:"callSid"`
}

// Conn is the websocket a media stream runs over. Both the gorilla and the
// fasthttp connection types satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// MediaStream is one vendor media websocket carrying μ-law audio both ways.
type MediaStream struct {
	conn         Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	streamSID string
	callSID   string
	params    map[string]string
	closeOnce sync.Once
}

// NewMediaStream wraps an upgraded websocket.
func NewMediaStream(conn Conn, writeTimeout time.Duration) *MediaStream {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &MediaStream{conn: conn, writeTimeout: writeTimeout}
}

// Handshake reads until the start event and records the stream identifiers.
func (m *MediaStream) Handshake(timeout time.Duration) error {
	_ = m.conn.SetReadDeadline(time.Now().Add(timeout))
	defer m.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := m.read()
		if err != nil {
			return fmt.Errorf("twilio: handshake: %w", err)
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil || msg.Start.CallSID == "" {
				return fmt.Errorf("twilio: start event without callSid")
			}
			m.streamSID = msg.Start.StreamSID
			if m.streamSID == "" {
				m.streamSID = msg.StreamSID
			}
			m.callSID = msg.Start.CallSID
			m.params = msg.Start.CustomParameters
			return nil
		case "stop":
			return ErrStreamStopped
		default:
			return fmt.Errorf("twilio: unexpected %q before start", msg.Event)
		}
	}
}

// CallID is the vendor call id announced in the start event.
func (m *MediaStream) CallID() string { return m.callSID }

// Parameters returns custom parameters from the start event.
func (m *MediaStream) Parameters() map[string]string { return m.params }

// ReadLoop delivers inbound audio until the stream stops or fails.
// It returns ErrStreamStopped on a clean stop.
func (m *MediaStream) ReadLoop(onMedia func([]byte), onMark func(string)) error {
	for {
		msg, err := m.read()
		if err != nil {
			return err
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || onMedia == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			onMedia(audio)
		case "mark":
			if msg.Mark != nil && onMark != nil {
				onMark(msg.Mark.Name)
			}
		case "stop":
			return ErrStreamStopped
		}
	}
}

// SendAudio writes one outbound media frame.
func (m *MediaStream) SendAudio(payload []byte) error {
	return m.write(streamMessage{
		Event:     "media",
		StreamSID: m.streamSID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// Clear tells the vendor to drop audio it has buffered but not yet played.
func (m *MediaStream) Clear() error {
	return m.write(streamMessage{Event: "clear", StreamSID: m.streamSID})
}

// Mark asks the vendor to echo name once preceding audio has played.
func (m *MediaStream) Mark(name string) error {
	return m.write(streamMessage{Event: "mark", StreamSID: m.streamSID, Mark: &streamMark{Name: name}})
}

// Close closes the websocket with a normal closure.
func (m *MediaStream) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.writeTimeout))
		m.writeMu.Unlock()
		err = m.conn.Close()
	})
	return err
}

func (m *MediaStream) read() (streamMessage, error) {
	var msg streamMessage
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("twilio: decode stream message: %w", err)
	}
	return msg, nil
}

func (m *MediaStream) write(msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}
