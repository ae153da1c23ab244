package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// StatusPublisher publishes task transitions.
type StatusPublisher struct {
	writer *kafka.Writer
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// PublishStatus emits a status message keyed by task so a task's history stays ordered.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	if err := writeJSON(ctx, p.writer, msg.TaskID[:], msg); err != nil {
		return fmt.Errorf("status publisher: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
