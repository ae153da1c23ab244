package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
)

// Store implements repository.Store on any sqlx database using the shared
// schema: PostgreSQL through pgx or SQLite through modernc.
type Store struct {
	db    *sqlx.DB
	tries int
	now   func() time.Time
}

// NewStore constructs a store. tries bounds optimistic-lock retries per transition.
func NewStore(db *sqlx.DB, tries int) *Store {
	if tries <= 0 {
		tries = 5
	}
	return &Store{db: db, tries: tries, now: time.Now}
}

// CreateCampaign inserts a campaign and its tasks in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, campaign *domain.Campaign, tasks []*domain.CallTask) error {
	crow, err := newCampaignRow(campaign)
	if err != nil {
		return fmt.Errorf("sql store: %w", err)
	}

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO campaigns (
			id, kind, delay_between_calls_ms, concurrency_limit, total_calls, metadata, time_zone, business_hours,
			retry_max_retries, retry_base_delay_ms, retry_max_delay_ms, retry_jitter, state, created_at, updated_at
		) VALUES (
			:id, :kind, :delay_between_calls_ms, :concurrency_limit, :total_calls, :metadata, :time_zone, :business_hours,
			:retry_max_retries, :retry_base_delay_ms, :retry_max_delay_ms, :retry_jitter, :state, :created_at, :updated_at
		)`, crow); err != nil {
			return fmt.Errorf("sql store: insert campaign: %w", err)
		}

		for _, t := range tasks {
			trow, err := newTaskRow(t)
			if err != nil {
				return fmt.Errorf("sql store: %w", err)
			}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO call_tasks (`+taskColumns+`) VALUES (
				:id, :campaign_id, :sequence, :to_number, :from_number, :metadata, :voice, :not_before, :status,
				:attempt_count, :max_attempts, :call_id, :last_error, :version, :claimed_at, :created_at, :updated_at, :completed_at
			)`, trow); err != nil {
				return fmt.Errorf("sql store: insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, kind, delay_between_calls_ms, concurrency_limit, total_calls,
		metadata, time_zone, business_hours, retry_max_retries, retry_base_delay_ms, retry_max_delay_ms, retry_jitter,
		state, created_at, updated_at FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sql store: campaign %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: get campaign: %w", err)
	}
	return row.toDomain()
}

// SetCampaignState records the run state of a campaign and returns the updated row.
func (s *Store) SetCampaignState(ctx context.Context, id uuid.UUID, state domain.CampaignState) (*domain.Campaign, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE campaigns SET state = ?, updated_at = ? WHERE id = ?`),
		string(state), s.now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("sql store: set campaign state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("sql store: campaign %s: %w", id, repository.ErrNotFound)
	}
	return s.GetCampaign(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.CallTask, error) {
	return s.getTaskWhere(ctx, "id = ?", id)
}

func (s *Store) GetTaskByCallID(ctx context.Context, callID string) (*domain.CallTask, error) {
	return s.getTaskWhere(ctx, "call_id = ?", callID)
}

func (s *Store) getTaskWhere(ctx context.Context, where string, arg any) (*domain.CallTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+taskColumns+` FROM call_tasks WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sql store: task %v: %w", arg, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: get task: %w", err)
	}
	return row.toDomain()
}

// Transition performs the compare-and-set with a version column: the UPDATE
// only matches the row version it read, so a concurrent writer forces a re-read.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, mutate func(*domain.CallTask)) (*domain.CallTask, error) {
	for try := 0; try < s.tries; try++ {
		current, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if !repository.ValidateTransition(current.Status, from, to) {
			return current, fmt.Errorf("sql store: task %s is %s, want %v -> %s: %w", id, current.Status, from, to, repository.ErrConflict)
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

		row, err := newTaskRow(next)
		if err != nil {
			return nil, fmt.Errorf("sql store: %w", err)
		}
		params := struct {
			taskRow
			Expected int64 `db:"expected_version"`
		}{taskRow: row, Expected: current.Version}

		res, err := s.db.NamedExecContext(ctx, `UPDATE call_tasks SET
			status = :status, attempt_count = :attempt_count, not_before = :not_before, call_id = :call_id,
			last_error = :last_error, version = :version, claimed_at = :claimed_at, updated_at = :updated_at,
			completed_at = :completed_at, from_number = :from_number
			WHERE id = :id AND version = :expected_version`, params)
		if err != nil {
			return nil, fmt.Errorf("sql store: update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sql store: rows affected: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("sql store: task %s: lost %d update races: %w", id, s.tries, repository.ErrConflict)
}

func (s *Store) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*domain.CallTask, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CampaignID != uuid.Nil {
		conds = append(conds, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if !filter.DueBefore.IsZero() {
		conds = append(conds, "not_before <= ?")
		args = append(args, filter.DueBefore.UTC())
	}
	if !filter.ClaimedBefore.IsZero() {
		conds = append(conds, "claimed_at IS NOT NULL AND claimed_at <= ?")
		args = append(args, filter.ClaimedBefore.UTC())
	}
	if filter.MinAttempts > 0 {
		conds = append(conds, "attempt_count >= ?")
		args = append(args, filter.MinAttempts)
	}

	q := `SELECT ` + taskColumns + ` FROM call_tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY not_before, sequence`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("sql store: list tasks: %w", err)
	}
	out := make([]*domain.CallTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sql store: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT status, COUNT(*) AS n FROM call_tasks WHERE campaign_id = ? GROUP BY status`), campaignID); err != nil {
		return nil, fmt.Errorf("sql store: count by status: %w", err)
	}
	counts := make(map[domain.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[domain.TaskStatus(r.Status)] = r.N
	}
	return counts, nil
}
