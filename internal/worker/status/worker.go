package status

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/worker"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// New creates the audit worker: it consumes task transitions from the status
// topic and appends them to the transition log.
func New(reader worker.Reader, history repository.TransitionLog, log *logger.Logger) *worker.Consumer[queue.StatusMessage] {
	if log == nil {
		log = logger.Nop()
	}
	handle := func(ctx context.Context, msg queue.StatusMessage) error {
		if err := history.AppendTransition(ctx, msg.TaskTransition); err != nil {
			return err
		}
		log.Debug("status worker: transition recorded",
			zap.Stringer("task_id", msg.TaskID),
			zap.String("from", string(msg.From)),
			zap.String("to", string(msg.To)),
			zap.Int("attempt", msg.Attempt))
		return nil
	}
	return worker.NewConsumer("status worker", reader, handle, attrs, log)
}

func attrs(msg queue.StatusMessage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", msg.TaskID.String()),
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.Int("attempt", msg.Attempt),
		attribute.String("status", string(msg.To)),
	}
}
