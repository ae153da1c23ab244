package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
)

// Store keeps campaigns, tasks and sessions in process memory.
type Store struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]*domain.Campaign
	tasks     map[uuid.UUID]*domain.CallTask
	byCall    map[string]uuid.UUID
	sessions  map[string]*domain.SessionRecord
	history   map[uuid.UUID][]domain.TaskTransition
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		tasks:     make(map[uuid.UUID]*domain.CallTask),
		byCall:    make(map[string]uuid.UUID),
		sessions:  make(map[string]*domain.SessionRecord),
		history:   make(map[uuid.UUID][]domain.TaskTransition),
		now:       time.Now,
	}
}

func (s *Store) CreateCampaign(_ context.Context, campaign *domain.Campaign, tasks []*domain.CallTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaign.ID]; ok {
		return fmt.Errorf("memory store: campaign %s: %w", campaign.ID, repository.ErrConflict)
	}
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			return fmt.Errorf("memory store: task %s: %w", t.ID, repository.ErrConflict)
		}
	}
	c := *campaign
	if c.State == "" {
		c.State = domain.CampaignActive
	}
	s.campaigns[campaign.ID] = &c
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("memory store: campaign %s: %w", id, repository.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetCampaignState(_ context.Context, id uuid.UUID, state domain.CampaignState) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("memory store: campaign %s: %w", id, repository.ErrNotFound)
	}
	c.State = state
	c.UpdatedAt = s.now().UTC()
	cp := *c
	return &cp, nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*domain.CallTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memory store: task %s: %w", id, repository.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) GetTaskByCallID(ctx context.Context, callID string) (*domain.CallTask, error) {
	s.mu.RLock()
	id, ok := s.byCall[callID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory store: call %s: %w", callID, repository.ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) Transition(_ context.Context, id uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, mutate func(*domain.CallTask)) (*domain.CallTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memory store: task %s: %w", id, repository.ErrNotFound)
	}
	if !repository.ValidateTransition(current.Status, from, to) {
		return current.Clone(), fmt.Errorf("memory store: task %s is %s, want %v -> %s: %w", id, current.Status, from, to, repository.ErrConflict)
	}

	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()
	if to.Terminal() && next.CompletedAt == nil {
		ts := next.UpdatedAt
		next.CompletedAt = &ts
	}
	s.tasks[id] = next
	if next.CallID != "" {
		s.byCall[next.CallID] = id
	}
	return next.Clone(), nil
}

func (s *Store) ListTasks(_ context.Context, filter repository.TaskFilter) ([]*domain.CallTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CallTask, 0)
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.CampaignID != uuid.Nil && t.CampaignID != filter.CampaignID {
			continue
		}
		if !filter.DueBefore.IsZero() && t.NotBefore.After(filter.DueBefore) {
			continue
		}
		if !filter.ClaimedBefore.IsZero() && (t.ClaimedAt == nil || t.ClaimedAt.After(filter.ClaimedBefore)) {
			continue
		}
		if t.AttemptCount < filter.MinAttempts {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].NotBefore.Before(out[j].NotBefore)
		}
		return out[i].Sequence < out[j].Sequence
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		if t.CampaignID == campaignID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (s *Store) SaveSession(_ context.Context, record *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *record
	s.sessions[record.CallID] = &r
	return nil
}

func (s *Store) GetSession(_ context.Context, callID string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("memory store: session %s: %w", callID, repository.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) DeleteSession(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
	return nil
}

func (s *Store) AppendTransition(_ context.Context, transition domain.TaskTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[transition.TaskID] = append(s.history[transition.TaskID], transition)
	return nil
}

// ListTransitions pages by offset; the paging state is the next offset.
func (s *Store) ListTransitions(_ context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.TaskTransition, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[taskID]
	offset := 0
	if len(pagingState) > 0 {
		if _, err := fmt.Sscanf(string(pagingState), "%d", &offset); err != nil {
			return nil, nil, fmt.Errorf("memory store: paging state: %w", err)
		}
	}
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(all) {
		return nil, nil, nil
	}
	end := offset + limit
	var next []byte
	if end < len(all) {
		next = []byte(fmt.Sprintf("%d", end))
	} else {
		end = len(all)
	}
	out := make([]domain.TaskTransition, end-offset)
	copy(out, all[offset:end])
	return out, next, nil
}
