package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
)

// SessionStore persists live call session records in Scylla. Rows expire after
// ttl so a crashed process cannot leave sessions queryable forever.
type SessionStore struct {
	session *gocql.Session
	ttl     time.Duration
}

// NewSessionStore creates a new session store.
func NewSessionStore(session *gocql.Session, ttl time.Duration) *SessionStore {
	return &SessionStore{session: session, ttl: ttl}
}

// SaveSession upserts the record.
func (s *SessionStore) SaveSession(ctx context.Context, record *domain.SessionRecord) error {
	voice, err := json.Marshal(record.Voice)
	if err != nil {
		return fmt.Errorf("session store: marshal voice: %w", err)
	}
	if err := s.session.Query(`INSERT INTO call_sessions (call_id, task_id, state, voice, queue_depth, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		record.CallID, record.TaskID.String(), string(record.State), string(voice), record.QueueDepth, record.LastError,
		record.CreatedAt, record.UpdatedAt, ttlSeconds(s.ttl),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("session store: insert: %w", err)
	}
	return nil
}

// GetSession retrieves a session by vendor call id.
func (s *SessionStore) GetSession(ctx context.Context, callID string) (*domain.SessionRecord, error) {
	var (
		taskIDStr string
		state     string
		voice     string
		depth     int
		lastError string
		created   time.Time
		updated   time.Time
	)
	err := s.session.Query(`SELECT task_id, state, voice, queue_depth, last_error, created_at, updated_at
		FROM call_sessions WHERE call_id = ?`, callID).WithContext(ctx).
		Scan(&taskIDStr, &state, &voice, &depth, &lastError, &created, &updated)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("session store: session %s: %w", callID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}

	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return nil, fmt.Errorf("session store: parse task_id: %w", err)
	}
	record := &domain.SessionRecord{
		CallID:     callID,
		TaskID:     taskID,
		State:      domain.SessionState(state),
		QueueDepth: depth,
		LastError:  lastError,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
	if voice != "" {
		if err := json.Unmarshal([]byte(voice), &record.Voice); err != nil {
			return nil, fmt.Errorf("session store: unmarshal voice: %w", err)
		}
	}
	return record, nil
}

// DeleteSession removes an ended session.
func (s *SessionStore) DeleteSession(ctx context.Context, callID string) error {
	if err := s.session.Query(`DELETE FROM call_sessions WHERE call_id = ?`, callID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	return nil
}
