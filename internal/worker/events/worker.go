package events

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/worker"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Handler applies vendor call progress.
type Handler interface {
	HandleCallEvent(ctx context.Context, ev domain.CallEvent) error
}

// New creates a worker applying call events from the call event topic.
func New(reader worker.Reader, h Handler, log *logger.Logger) *worker.Consumer[queue.CallEventMessage] {
	handle := func(ctx context.Context, msg queue.CallEventMessage) error {
		return h.HandleCallEvent(ctx, msg.CallEvent)
	}
	return worker.NewConsumer("event worker", reader, handle, attrs, log)
}

func attrs(msg queue.CallEventMessage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("call.id", msg.CallID),
		attribute.String("call.status", string(msg.Status)),
	}
}
