package telephony

import (
	"context"

	"github.com/acme/voice-dispatch/internal/domain"
)

// CallRequest describes one outbound call to create.
type CallRequest struct {
	To                string
	From              string
	WebhookURL        string
	StatusCallbackURL string
	Metadata          domain.Metadata
}

// Client abstracts the telephony vendor. Errors are classified with pkg/errors
// kinds so the dispatcher can decide whether to retry.
type Client interface {
	CreateCall(ctx context.Context, req CallRequest) (string, error)
	EndCall(ctx context.Context, callID string) error
	GetCallStatus(ctx context.Context, callID string) (domain.CallStatus, error)
}

// EventSink receives vendor call progress.
type EventSink func(ctx context.Context, ev domain.CallEvent)
