package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
)

type campaignRow struct {
	ID               uuid.UUID      `db:"id"`
	Kind             string         `db:"kind"`
	DelayBetweenMs   int64          `db:"delay_between_calls_ms"`
	ConcurrencyLimit int            `db:"concurrency_limit"`
	TotalCalls       int            `db:"total_calls"`
	Metadata         sql.NullString `db:"metadata"`
	TimeZone         string         `db:"time_zone"`
	BusinessHours    sql.NullString `db:"business_hours"`
	RetryMaxRetries  int            `db:"retry_max_retries"`
	RetryBaseDelayMs int64          `db:"retry_base_delay_ms"`
	RetryMaxDelayMs  int64          `db:"retry_max_delay_ms"`
	RetryJitter      float64        `db:"retry_jitter"`
	State            string         `db:"state"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

type taskRow struct {
	ID           uuid.UUID      `db:"id"`
	CampaignID   uuid.UUID      `db:"campaign_id"`
	Sequence     int            `db:"sequence"`
	ToNumber     string         `db:"to_number"`
	FromNumber   string         `db:"from_number"`
	Metadata     sql.NullString `db:"metadata"`
	Voice        sql.NullString `db:"voice"`
	NotBefore    time.Time      `db:"not_before"`
	Status       string         `db:"status"`
	AttemptCount int            `db:"attempt_count"`
	MaxAttempts  int            `db:"max_attempts"`
	CallID       sql.NullString `db:"call_id"`
	LastError    sql.NullString `db:"last_error"`
	Version      int64          `db:"version"`
	ClaimedAt    sql.NullTime   `db:"claimed_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

const taskColumns = `id, campaign_id, sequence, to_number, from_number, metadata, voice, not_before, status,
	attempt_count, max_attempts, call_id, last_error, version, claimed_at, created_at, updated_at, completed_at`

func newCampaignRow(c *domain.Campaign) (campaignRow, error) {
	meta, err := encodeJSON(c.Metadata, c.Metadata == nil)
	if err != nil {
		return campaignRow{}, err
	}
	hours, err := encodeJSON(c.BusinessHours, len(c.BusinessHours) == 0)
	if err != nil {
		return campaignRow{}, err
	}
	state := c.State
	if state == "" {
		state = domain.CampaignActive
	}
	return campaignRow{
		ID:               c.ID,
		Kind:             string(c.Kind),
		DelayBetweenMs:   c.DelayBetweenCalls.Milliseconds(),
		ConcurrencyLimit: c.ConcurrencyLimit,
		TotalCalls:       c.TotalCalls,
		Metadata:         meta,
		TimeZone:         c.TimeZone,
		BusinessHours:    hours,
		RetryMaxRetries:  c.RetryPolicy.MaxRetries,
		RetryBaseDelayMs: c.RetryPolicy.BaseDelay.Milliseconds(),
		RetryMaxDelayMs:  c.RetryPolicy.MaxDelay.Milliseconds(),
		RetryJitter:      c.RetryPolicy.Jitter,
		State:            string(state),
		CreatedAt:        c.CreatedAt.UTC(),
		UpdatedAt:        c.UpdatedAt.UTC(),
	}, nil
}

func (r campaignRow) toDomain() (*domain.Campaign, error) {
	c := &domain.Campaign{
		ID:                r.ID,
		Kind:              domain.CampaignKind(r.Kind),
		DelayBetweenCalls: time.Duration(r.DelayBetweenMs) * time.Millisecond,
		ConcurrencyLimit:  r.ConcurrencyLimit,
		TotalCalls:        r.TotalCalls,
		TimeZone:          r.TimeZone,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries: r.RetryMaxRetries,
			BaseDelay:  time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
			Jitter:     r.RetryJitter,
		},
		State:     domain.CampaignState(r.State),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := decodeJSON(r.Metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("campaign metadata: %w", err)
	}
	if err := decodeJSON(r.BusinessHours, &c.BusinessHours); err != nil {
		return nil, fmt.Errorf("campaign business hours: %w", err)
	}
	return c, nil
}

func newTaskRow(t *domain.CallTask) (taskRow, error) {
	meta, err := encodeJSON(t.Metadata, t.Metadata == nil)
	if err != nil {
		return taskRow{}, err
	}
	voice, err := encodeJSON(t.Voice, t.Voice == nil)
	if err != nil {
		return taskRow{}, err
	}
	lastErr, err := encodeJSON(t.LastError, t.LastError == nil)
	if err != nil {
		return taskRow{}, err
	}
	row := taskRow{
		ID:           t.ID,
		CampaignID:   t.CampaignID,
		Sequence:     t.Sequence,
		ToNumber:     t.ToNumber,
		FromNumber:   t.FromNumber,
		Metadata:     meta,
		Voice:        voice,
		NotBefore:    t.NotBefore.UTC(),
		Status:       string(t.Status),
		AttemptCount: t.AttemptCount,
		MaxAttempts:  t.MaxAttempts,
		CallID:       sql.NullString{String: t.CallID, Valid: t.CallID != ""},
		LastError:    lastErr,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
	if t.ClaimedAt != nil {
		row.ClaimedAt = sql.NullTime{Time: t.ClaimedAt.UTC(), Valid: true}
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
	}
	return row, nil
}

func (r taskRow) toDomain() (*domain.CallTask, error) {
	t := &domain.CallTask{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		Sequence:     r.Sequence,
		ToNumber:     r.ToNumber,
		FromNumber:   r.FromNumber,
		NotBefore:    r.NotBefore,
		Status:       domain.TaskStatus(r.Status),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		CallID:       r.CallID.String,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ClaimedAt.Valid {
		ts := r.ClaimedAt.Time
		t.ClaimedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts := r.CompletedAt.Time
		t.CompletedAt = &ts
	}
	if err := decodeJSON(r.Metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("task metadata: %w", err)
	}
	if err := decodeJSON(r.Voice, &t.Voice); err != nil {
		return nil, fmt.Errorf("task voice: %w", err)
	}
	if err := decodeJSON(r.LastError, &t.LastError); err != nil {
		return nil, fmt.Errorf("task last error: %w", err)
	}
	return t, nil
}

func encodeJSON(v any, null bool) (sql.NullString, error) {
	if null {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}
