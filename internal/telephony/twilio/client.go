package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/telephony"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// vendor error codes meaning the destination number itself is unusable
var invalidNumberCodes = map[int]bool{21211: true, 21214: true, 21217: true, 21401: true, 21614: true}

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Client places and controls calls through the Twilio REST API.
type Client struct {
	api *openapi.ApiService
}

// NewClient constructs a REST client. A non-empty cfg.BaseURL redirects
// every request to that host, which is how tests and regional proxies are
// reached.
func NewClient(cfg config.TelephonyConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/")); err == nil && base.Host != "" {
		httpClient.Transport = rebaseTransport{base: base, next: http.DefaultTransport}
	}

	vendor := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	vendor.SetAccountSid(cfg.AccountSID)

	rest := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username:   cfg.AccountSID,
		Password:   cfg.AuthToken,
		AccountSid: cfg.AccountSID,
		Client:     vendor,
	})
	return &Client{api: rest.Api}
}

// CreateCall places an outbound call whose media is fetched from req.WebhookURL.
func (c *Client) CreateCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	webhook, err := withCustomData(req.WebhookURL, req.Metadata)
	if err != nil {
		return "", apperrors.Validation("twilio: webhook url: " + err.Error())
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.TransientDispatch("twilio: create call", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(webhook)
	params.SetMethod(http.MethodPost)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", classify(err))
	}
	if call.Sid == nil {
		return "", apperrors.TransientDispatch("twilio: create call returned no sid", nil)
	}
	return *call.Sid, nil
}

// EndCall asks the vendor to hang up.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.TransientDispatch("twilio: end call", err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio: end call: %w", classify(err))
	}
	return nil
}

// GetCallStatus reads the vendor's view of the call.
func (c *Client) GetCallStatus(ctx context.Context, callID string) (domain.CallStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.TransientDispatch("twilio: call status", err)
	}
	call, err := c.api.FetchCall(callID, &openapi.FetchCallParams{})
	if err != nil {
		return "", fmt.Errorf("twilio: call status: %w", classify(err))
	}
	if call.Status == nil {
		return "", nil
	}
	return domain.CallStatus(*call.Status), nil
}

// classify maps vendor failures onto dispatch error kinds. Status is the one
// reported in the error body. Anything that is not a decoded API error is a
// transport problem and worth retrying.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return apperrors.TransientDispatch("request failed", err)
	}

	status := restErr.Status
	msg := fmt.Sprintf("http %d code %d: %s", status, restErr.Code, restErr.Message)
	switch {
	case invalidNumberCodes[restErr.Code]:
		return apperrors.Validation(msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Auth(msg, restErr)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return apperrors.TransientDispatch(msg, restErr)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, apperrors.ErrNotFound)
	default:
		return apperrors.Validation(msg)
	}
}

// rebaseTransport sends requests built for api.twilio.com to another host.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.base.Scheme
	out.URL.Host = t.base.Host
	out.Host = t.base.Host
	return t.next.RoundTrip(out)
}

// withCustomData forwards metadata to the voice webhook as a JSON query parameter.
func withCustomData(raw string, meta domain.Metadata) (string, error) {
	if len(meta) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("custom_data", string(data))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
