package twilio

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/acme/voice-dispatch/internal/domain"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// ParseStatusCallback converts a status webhook form into a call event.
func ParseStatusCallback(form url.Values) (domain.CallEvent, error) {
	callID := form.Get("CallSid")
	status := strings.ToLower(form.Get("CallStatus"))
	if callID == "" || status == "" {
		return domain.CallEvent{}, apperrors.Validation("status callback requires CallSid and CallStatus")
	}
	ev := domain.CallEvent{
		CallID:     callID,
		Status:     domain.CallStatus(status),
		ErrorCode:  form.Get("ErrorCode"),
		OccurredAt: time.Now().UTC(),
	}
	if ev.ErrorCode == "" {
		ev.ErrorCode = form.Get("SipResponseCode")
	}
	if d := form.Get("CallDuration"); d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			ev.Duration = secs
		}
	}
	return ev, nil
}

// StreamTwiML answers the voice webhook by connecting the call's audio to
// the media websocket for callID.
func StreamTwiML(mediaBaseURL, callID, customData string) ([]byte, error) {
	stream := &twiml.VoiceStream{
		Url: fmt.Sprintf("%s/media/%s", strings.TrimRight(mediaBaseURL, "/"), url.PathEscape(callID)),
	}
	if customData != "" {
		stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "custom_data", Value: customData}}
	}
	out, err := twiml.Voice([]twiml.Element{&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}})
	if err != nil {
		return nil, fmt.Errorf("twiml: %w", err)
	}
	return []byte(out), nil
}
