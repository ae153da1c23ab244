package twilio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/telephony"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.TelephonyConfig{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL}, time.Second)
}

func TestCreateCallSendsForm(t *testing.T) {
	var got url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		_ = r.ParseForm()
		got = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "CAabc", "status": "queued"})
	})

	callID, err := client.CreateCall(context.Background(), telephony.CallRequest{
		To:                "+14155550100",
		From:              "+14155550199",
		WebhookURL:        "https://example.test/api/v1/webhooks/twilio/voice",
		StatusCallbackURL: "https://example.test/api/v1/webhooks/twilio/status",
		Metadata:          domain.Metadata{"customer": "42"},
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if callID != "CAabc" {
		t.Fatalf("expected CAabc, got %s", callID)
	}
	if got.Get("To") != "+14155550100" || got.Get("From") != "+14155550199" {
		t.Fatalf("unexpected numbers: %v", got)
	}
	if !strings.Contains(got.Get("Url"), "custom_data=") {
		t.Fatalf("expected metadata on webhook url, got %s", got.Get("Url"))
	}
	if len(got["StatusCallbackEvent"]) != 4 {
		t.Fatalf("expected 4 status callback events, got %v", got["StatusCallbackEvent"])
	}
}

func TestCreateCallClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   apperrors.Kind
	}{
		{"invalid number", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`, apperrors.KindValidation},
		{"auth", http.StatusUnauthorized, `{"code":20003,"message":"Authenticate","status":401}`, apperrors.KindAuth},
		{"rate limited", http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests","status":429}`, apperrors.KindTransientDispatch},
		{"server error", http.StatusBadGateway, `{"code":20500,"message":"Internal Server Error","status":502}`, apperrors.KindTransientDispatch},
		{"unreadable error body", http.StatusBadGateway, ``, apperrors.KindTransientDispatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.CreateCall(context.Background(), telephony.CallRequest{To: "+14155550100", From: "+14155550199", WebhookURL: "https://example.test/v"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if kind := apperrors.KindOf(err); kind != tc.kind {
				t.Fatalf("expected %s, got %s (%v)", tc.kind, kind, err)
			}
		})
	}
}

func TestGetCallStatusAndNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if strings.HasSuffix(r.URL.Path, "/Calls/CAgone.json") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":20404,"message":"The requested resource was not found","status":404}`))
			return
		}
		_, _ = w.Write([]byte(`{"sid":"CAabc","status":"in-progress"}`))
	})

	status, err := client.GetCallStatus(context.Background(), "CAabc")
	if err != nil || status != domain.CallInProgress {
		t.Fatalf("expected in-progress, got %q %v", status, err)
	}
	if _, err := client.GetCallStatus(context.Background(), "CAgone"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEndCallPostsCompleted(t *testing.T) {
	var status string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Calls/CAabc.json") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		status = r.PostForm.Get("Status")
		_, _ = w.Write([]byte(`{"sid":"CAabc","status":"completed"}`))
	})
	if err := client.EndCall(context.Background(), "CAabc"); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected Status=completed, got %q", status)
	}
}

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{"CallSid": {"CAabc"}, "CallStatus": {"no-answer"}, "CallDuration": {"0"}}
	ev, err := ParseStatusCallback(form)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.CallID != "CAabc" || ev.Status != domain.CallNoAnswer || !ev.Status.Final() {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := ParseStatusCallback(url.Values{"CallSid": {"CAabc"}}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStreamTwiML(t *testing.T) {
	out, err := StreamTwiML("wss://media.example.test/", "CAabc", `{"a":1}`)
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	body := string(out)
	if !strings.Contains(body, "<Connect>") || !strings.Contains(body, `url="wss://media.example.test/media/CAabc"`) {
		t.Fatalf("unexpected twiml: %s", body)
	}
	if !strings.Contains(body, `name="custom_data"`) {
		t.Fatalf("expected custom parameter: %s", body)
	}
}
