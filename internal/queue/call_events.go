package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/voice-dispatch/internal/domain"
)

// CallEventPublisher forwards vendor callbacks onto the call event topic.
type CallEventPublisher struct {
	writer *kafka.Writer
}

// NewCallEventPublisher constructs a publisher for the given topic.
func NewCallEventPublisher(k *Kafka, topic string) *CallEventPublisher {
	return &CallEventPublisher{writer: k.NewWriter(topic)}
}

// PublishCallEvent writes the event keyed by vendor call id.
func (p *CallEventPublisher) PublishCallEvent(ctx context.Context, ev domain.CallEvent) error {
	msg := CallEventMessage{CallEvent: ev, ReceivedAt: time.Now().UTC()}
	if err := writeJSON(ctx, p.writer, []byte(ev.CallID), msg); err != nil {
		return fmt.Errorf("call event publisher: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CallEventPublisher) Close() error {
	return p.writer.Close()
}
