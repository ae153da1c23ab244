package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a compare-and-set lost against another writer.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	CreateCampaign(ctx context.Context, campaign *domain.Campaign, tasks []*domain.CallTask) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	SetCampaignState(ctx context.Context, id uuid.UUID, state domain.CampaignState) (*domain.Campaign, error)
}

// TaskFilter narrows ListTasks. Zero fields are ignored.
type TaskFilter struct {
	Status        domain.TaskStatus
	CampaignID    uuid.UUID
	DueBefore     time.Time
	ClaimedBefore time.Time
	MinAttempts   int
	Limit         int
}

// TaskStore is the TaskStatusStore: the externally observable record of task state.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*domain.CallTask, error)
	GetTaskByCallID(ctx context.Context, callID string) (*domain.CallTask, error)
	// Transition atomically moves a task whose current status is one of from
	// into to, applying mutate to the stored copy first. When the current status
	// is not in from it returns the current task and an error wrapping ErrConflict.
	Transition(ctx context.Context, id uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, mutate func(*domain.CallTask)) (*domain.CallTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.CallTask, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int, error)
}

// Store combines campaign and task persistence, which share one database.
type Store interface {
	CampaignRepository
	TaskStore
}

// SessionStore keeps call session records while they are live.
type SessionStore interface {
	SaveSession(ctx context.Context, record *domain.SessionRecord) error
	GetSession(ctx context.Context, callID string) (*domain.SessionRecord, error)
	DeleteSession(ctx context.Context, callID string) error
}

// TransitionLog keeps the append-only history of task transitions.
type TransitionLog interface {
	AppendTransition(ctx context.Context, transition domain.TaskTransition) error
	ListTransitions(ctx context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.TaskTransition, []byte, error)
}

// ValidateTransition checks a CAS request against the current status.
func ValidateTransition(current domain.TaskStatus, from []domain.TaskStatus, to domain.TaskStatus) bool {
	allowed := false
	for _, s := range from {
		if s == current {
			allowed = true
			break
		}
	}
	return allowed && domain.CanTransition(current, to)
}
