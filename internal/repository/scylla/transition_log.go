package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// TransitionLog appends task transitions to a per-task partition.
type TransitionLog struct {
	session *gocql.Session
}

// NewTransitionLog creates a new transition log.
func NewTransitionLog(session *gocql.Session) *TransitionLog {
	return &TransitionLog{session: session}
}

// AppendTransition records one transition.
func (l *TransitionLog) AppendTransition(ctx context.Context, t domain.TaskTransition) error {
	var kind, message string
	if t.Error != nil {
		kind, message = string(t.Error.Kind), t.Error.Message
	}
	if err := l.session.Query(`INSERT INTO task_transitions (task_id, occurred_at, seq, campaign_id, from_status, to_status, attempt, call_id, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID.String(), t.OccurredAt, gocql.TimeUUID(), t.CampaignID.String(), string(t.From), string(t.To),
		t.Attempt, t.CallID, kind, message,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transition log: append: %w", err)
	}
	return nil
}

// ListTransitions pages through a task's history in order.
func (l *TransitionLog) ListTransitions(ctx context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.TaskTransition, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := l.session.Query(`SELECT occurred_at, campaign_id, from_status, to_status, attempt, call_id, error_kind, error_message
		FROM task_transitions WHERE task_id = ?`, taskID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	out := make([]domain.TaskTransition, 0, limit)

	var (
		occurred      time.Time
		campaignIDStr string
		from          string
		to            string
		attempt       int
		callID        string
		errKind       string
		errMessage    string
	)
	for iter.Scan(&occurred, &campaignIDStr, &from, &to, &attempt, &callID, &errKind, &errMessage) {
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			continue
		}
		t := domain.TaskTransition{
			TaskID:     taskID,
			CampaignID: campaignID,
			From:       domain.TaskStatus(from),
			To:         domain.TaskStatus(to),
			Attempt:    attempt,
			CallID:     callID,
			OccurredAt: occurred,
		}
		if errKind != "" {
			t.Error = &domain.TaskError{Kind: apperrors.Kind(errKind), Message: errMessage}
		}
		out = append(out, t)
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("transition log: iter close: %w", err)
	}
	return out, iter.PageState(), nil
}
