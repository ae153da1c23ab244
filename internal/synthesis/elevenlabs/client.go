package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultStreamURL = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
)

// Client streams synthesis over the stream-input websocket and manages voices over REST.
type Client struct {
	apiKey       string
	baseURL      string
	streamURL    string
	modelID      string
	outputFormat string
	http         *http.Client
	dialer       *websocket.Dialer
}

// NewClient builds a client from configuration.
func NewClient(cfg config.SynthesisConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	stream := cfg.StreamURL
	if stream == "" {
		stream = defaultStreamURL
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      base,
		streamURL:    stream,
		modelID:      cfg.ModelID,
		outputFormat: cfg.OutputFormat,
		http:         &http.Client{Timeout: timeout},
		dialer:       &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

func (c *Client) Name() string { return "elevenlabs" }

type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           float64  `json:"style"`
	UseSpeakerBoost bool     `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

type inputMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type outputMessage struct {
	Audio   *string `json:"audio"`
	IsFinal bool    `json:"isFinal"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// SynthesizeStream opens a websocket, sends the text and end-of-stream
// marker, and returns the audio stream. Cancelling ctx closes the socket.
func (c *Client) SynthesizeStream(ctx context.Context, req synthesis.Request) (synthesis.Stream, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, apperrors.Auth("elevenlabs api key is required", nil)
	}
	wsURL, err := c.buildStreamURL(req.Voice.VoiceID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", c.apiKey)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Auth("elevenlabs rejected credentials", err)
		}
		return nil, apperrors.TransientStream("elevenlabs dial", err)
	}

	s := &stream{conn: conn, skip: req.Offset}
	s.stopWatch = context.AfterFunc(ctx, func() { _ = s.Close() })

	settings := toSettings(req.Voice.Settings)
	msgs := []inputMessage{
		{Text: " ", VoiceSettings: &settings},
		{Text: withTrailingSpace(req.Text), TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, msg := range msgs {
		if err := conn.WriteJSON(msg); err != nil {
			_ = s.Close()
			return nil, apperrors.TransientStream("elevenlabs send", err)
		}
	}
	return s, nil
}

func (c *Client) buildStreamURL(voiceID string) (string, error) {
	if strings.TrimSpace(voiceID) == "" {
		return "", apperrors.Validation("voice_id is required")
	}
	raw := strings.ReplaceAll(c.streamURL, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: stream url: %w", err)
	}
	q := u.Query()
	if c.modelID != "" {
		q.Set("model_id", c.modelID)
	}
	if c.outputFormat != "" {
		q.Set("output_format", c.outputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type stream struct {
	conn      *websocket.Conn
	skip      int
	done      bool
	closeOnce sync.Once
	stopWatch func() bool
}

func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, apperrors.TransientStream("elevenlabs read", err)
		}

		var msg outputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return nil, apperrors.TransientStream("elevenlabs: "+msg.Error+" "+msg.Message, nil)
		}
		s.done = msg.IsFinal

		if msg.Audio == nil || *msg.Audio == "" {
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(*msg.Audio)
		if err != nil {
			return nil, apperrors.TransientStream("elevenlabs audio decode", err)
		}
		if s.skip > 0 {
			if s.skip >= len(audio) {
				s.skip -= len(audio)
				continue
			}
			audio = audio[s.skip:]
			s.skip = 0
		}
		return audio, nil
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		err = s.conn.Close()
	})
	return err
}

type voicesResponse struct {
	Voices []synthesis.Voice `json:"voices"`
}

// ListVoices returns the voices available to the account.
func (c *Client) ListVoices(ctx context.Context) ([]synthesis.Voice, error) {
	var out voicesResponse
	if err := c.get(ctx, "/v1/voices", &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

// ValidateVoice reports whether voiceID exists.
func (c *Client) ValidateVoice(ctx context.Context, voiceID string) (bool, error) {
	if strings.TrimSpace(voiceID) == "" {
		return false, nil
	}
	var v synthesis.Voice
	err := c.get(ctx, "/v1/voices/"+url.PathEscape(voiceID), &v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperrors.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.TransientStream("elevenlabs request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Auth("elevenlabs rejected credentials", nil)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("elevenlabs: %s: %w", path, apperrors.ErrNotFound)
	case resp.StatusCode >= 300:
		return apperrors.TransientStream(fmt.Sprintf("elevenlabs: http %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("elevenlabs: decode %s: %w", path, err)
	}
	return nil
}

func toSettings(s domain.VoiceSettings) voiceSettings {
	return voiceSettings{
		Stability:       s.Stability,
		SimilarityBoost: s.SimilarityBoost,
		Style:           s.Style,
		UseSpeakerBoost: s.UseSpeakerBoost,
		Speed:           s.Speed,
	}
}

func withTrailingSpace(text string) string {
	if text != "" && !strings.HasSuffix(text, " ") {
		return text + " "
	}
	return text
}
