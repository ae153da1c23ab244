package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// TaskStatus enumerates lifecycle stages for a call task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDispatching TaskStatus = "dispatching"
	TaskInProgress  TaskStatus = "in_progress"
	TaskSucceeded   TaskStatus = "succeeded"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:     {TaskDispatching, TaskCancelled},
	TaskDispatching: {TaskInProgress, TaskPending, TaskFailed, TaskCancelled},
	TaskInProgress:  {TaskSucceeded, TaskFailed, TaskCancelled},
}

// Valid reports whether s names a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDispatching, TaskInProgress, TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata is an opaque bag passed through to telephony and status queries.
type Metadata map[string]any

// TaskError is the structured error persisted with a task.
type TaskError struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
}

// NewTaskError classifies err for persistence.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: apperrors.KindOf(err), Message: err.Error()}
}

// CallTask is one call to place.
type CallTask struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	Sequence     int
	ToNumber     string
	FromNumber   string
	Metadata     Metadata
	Voice        *VoiceConfig
	NotBefore    time.Time
	Status       TaskStatus
	AttemptCount int
	MaxAttempts  int
	CallID       string
	LastError    *TaskError
	Version      int64
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Clone returns a copy safe to mutate.
func (t *CallTask) Clone() *CallTask {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(Metadata, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Voice != nil {
		v := *t.Voice
		c.Voice = &v
	}
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	if t.ClaimedAt != nil {
		ts := *t.ClaimedAt
		c.ClaimedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Due reports whether the task may be dispatched at now.
func (t *CallTask) Due(now time.Time) bool {
	return !now.Before(t.NotBefore)
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// ValidatePhoneNumber checks E.164 formatting.
func ValidatePhoneNumber(number string) error {
	if !e164.MatchString(number) {
		return apperrors.Validation("phone number " + number + " is not E.164")
	}
	return nil
}

// TaskTransition is one recorded status change of a task.
type TaskTransition struct {
	TaskID     uuid.UUID  `json:"task_id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	From       TaskStatus `json:"from"`
	To         TaskStatus `json:"to"`
	Attempt    int        `json:"attempt"`
	CallID     string     `json:"call_id,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
