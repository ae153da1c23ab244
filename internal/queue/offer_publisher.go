package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// OfferPublisher hands tasks to whichever process runs the dispatcher.
type OfferPublisher struct {
	writer *kafka.Writer
}

// NewOfferPublisher constructs a publisher for the given topic.
func NewOfferPublisher(k *Kafka, topic string) *OfferPublisher {
	return &OfferPublisher{writer: k.NewWriter(topic)}
}

// Offer writes an offer keyed by campaign so one campaign's offers stay in order.
func (p *OfferPublisher) Offer(ctx context.Context, taskID, campaignID uuid.UUID, reason string) error {
	msg := OfferMessage{TaskID: taskID, CampaignID: campaignID, Reason: reason, EnqueuedAt: time.Now().UTC()}
	if err := writeJSON(ctx, p.writer, campaignID[:], msg); err != nil {
		return fmt.Errorf("offer publisher: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *OfferPublisher) Close() error {
	return p.writer.Close()
}
