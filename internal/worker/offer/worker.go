package offer

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/worker"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Dispatcher accepts offered tasks.
type Dispatcher interface {
	Offer(ctx context.Context, taskID, campaignID uuid.UUID, reason string) error
}

// New creates a worker feeding the offers topic into the local dispatcher.
func New(reader worker.Reader, d Dispatcher, log *logger.Logger) *worker.Consumer[queue.OfferMessage] {
	handle := func(ctx context.Context, msg queue.OfferMessage) error {
		return d.Offer(ctx, msg.TaskID, msg.CampaignID, msg.Reason)
	}
	return worker.NewConsumer("offer worker", reader, handle, attrs, log)
}

func attrs(msg queue.OfferMessage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", msg.TaskID.String()),
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.String("offer.reason", msg.Reason),
	}
}
