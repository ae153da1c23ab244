package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
)

// OfferMessage asks the dispatcher to (re)consider a task.
type OfferMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StatusMessage announces one task transition.
type StatusMessage struct {
	domain.TaskTransition
	ToNumber string          `json:"to_number"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
}

// CallEventMessage carries a vendor status callback.
type CallEventMessage struct {
	domain.CallEvent
	ReceivedAt time.Time `json:"received_at"`
}
