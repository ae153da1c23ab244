package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/scheduler"
	"github.com/acme/voice-dispatch/internal/service/common"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Offerer hands new tasks to the dispatcher.
type Offerer interface {
	Offer(ctx context.Context, taskID, campaignID uuid.UUID, reason string) error
}

// Canceller cancels tasks through the dispatcher so in-flight calls are ended.
type Canceller interface {
	Cancel(ctx context.Context, taskID uuid.UUID) (*domain.CallTask, error)
	CancelCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Defaults fill in whatever a submission leaves out.
type Defaults struct {
	RetryPolicy       domain.RetryPolicy
	Concurrency       int
	DelayBetweenCalls time.Duration
	MaxCampaignSize   int
	FromNumber        string
}

// Service accepts call submissions and answers status, cancel and history queries.
type Service struct {
	store    repository.Store
	history  repository.TransitionLog
	offers   Offerer
	cancels  Canceller
	defaults Defaults
	log      *logger.Logger
	now      func() time.Time
}

// NewService builds the call service. history may be nil when transition
// history is not kept.
func NewService(
	store repository.Store,
	history repository.TransitionLog,
	offers Offerer,
	cancels Canceller,
	defaults Defaults,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if defaults.MaxCampaignSize <= 0 {
		defaults.MaxCampaignSize = 1000
	}
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = 10
	}
	return &Service{
		store:    store,
		history:  history,
		offers:   offers,
		cancels:  cancels,
		defaults: defaults,
		log:      log.Named("calls"),
		now:      time.Now,
	}
}

// SubmitCallInput encapsulates the arguments for a single call.
type SubmitCallInput struct {
	ToNumber     string
	FromNumber   string
	Metadata     domain.Metadata
	DelaySeconds float64
	Voice        *domain.VoiceConfig
}

// ScheduleCallInput is a single call placed at an absolute time.
type ScheduleCallInput struct {
	ToNumber     string
	FromNumber   string
	ScheduleTime string
	TimeZone     string
	Metadata     domain.Metadata
	Voice        *domain.VoiceConfig
}

// SubmitCampaignInput captures a bulk campaign.
type SubmitCampaignInput struct {
	PhoneNumbers       []string
	FromNumber         string
	DelayBetweenCalls  *time.Duration
	MaxConcurrentCalls int
	Metadata           domain.Metadata
	TimeZone           string
	BusinessHours      []domain.BusinessHourWindow
	RetryPolicy        *domain.RetryPolicy
	Voice              *domain.VoiceConfig
}

// CampaignResult reports what a bulk submission created.
type CampaignResult struct {
	Campaign *domain.Campaign
	Tasks    []*domain.CallTask
	Rejected int
}

// SubmitCall creates a single-call campaign and offers its task for dispatch.
// A malformed number is still recorded: the returned task is Failed with zero
// attempts and the validation error is returned alongside it.
func (s *Service) SubmitCall(ctx context.Context, input SubmitCallInput) (*domain.CallTask, error) {
	if input.DelaySeconds < 0 {
		return nil, apperrors.Validation("delay_seconds must not be negative")
	}
	if err := validateVoice(input.Voice); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	notBefore := now.Add(time.Duration(input.DelaySeconds * float64(time.Second)))
	return s.single(ctx, domain.CampaignKindSingle, input.ToNumber, input.FromNumber, input.Metadata, input.Voice, notBefore)
}

// ScheduleCall creates a single call that becomes due at the requested time.
// A schedule time already in the past dispatches immediately.
func (s *Service) ScheduleCall(ctx context.Context, input ScheduleCallInput) (*domain.CallTask, error) {
	if err := validateVoice(input.Voice); err != nil {
		return nil, err
	}
	notBefore, err := scheduler.ScheduleAt(input.ScheduleTime, input.TimeZone, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return s.single(ctx, domain.CampaignKindScheduled, input.ToNumber, input.FromNumber, input.Metadata, input.Voice, notBefore)
}

func (s *Service) single(ctx context.Context, kind domain.CampaignKind, to, from string, md domain.Metadata, voice *domain.VoiceConfig, notBefore time.Time) (*domain.CallTask, error) {
	now := s.now().UTC()
	campaign := &domain.Campaign{
		ID:                uuid.New(),
		Kind:              kind,
		DelayBetweenCalls: 0,
		ConcurrencyLimit:  1,
		TotalCalls:        1,
		Metadata:          md,
		RetryPolicy:       s.defaults.RetryPolicy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	task := s.newTask(campaign, 0, to, from, md, voice, notBefore)

	if err := s.store.CreateCampaign(ctx, campaign, []*domain.CallTask{task}); err != nil {
		return nil, fmt.Errorf("call service: persist call: %w", err)
	}
	if task.Status == domain.TaskFailed {
		s.log.Info("call rejected", zap.Stringer("task_id", task.ID), zap.String("reason", task.LastError.Message))
		return task, apperrors.Validation(task.LastError.Message)
	}
	s.offer(ctx, task, "submitted")
	return task, nil
}

// SubmitCampaign creates a bulk campaign. Task i becomes due i delays after
// submission; malformed numbers are recorded as Failed tasks and counted in
// Rejected.
func (s *Service) SubmitCampaign(ctx context.Context, input SubmitCampaignInput) (*CampaignResult, error) {
	if err := s.validateCampaign(input); err != nil {
		return nil, err
	}

	delay := s.defaults.DelayBetweenCalls
	if input.DelayBetweenCalls != nil {
		delay = *input.DelayBetweenCalls
	}
	concurrency := input.MaxConcurrentCalls
	if concurrency <= 0 {
		concurrency = s.defaults.Concurrency
	}
	policy := s.defaults.RetryPolicy
	if input.RetryPolicy != nil {
		policy = normalizeRetry(*input.RetryPolicy, s.defaults.RetryPolicy)
	}

	now := s.now().UTC()
	campaign := &domain.Campaign{
		ID:                uuid.New(),
		Kind:              domain.CampaignKindBulk,
		DelayBetweenCalls: delay,
		ConcurrencyLimit:  concurrency,
		TotalCalls:        len(input.PhoneNumbers),
		Metadata:          input.Metadata,
		TimeZone:          input.TimeZone,
		BusinessHours:     input.BusinessHours,
		RetryPolicy:       policy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	res := &CampaignResult{Campaign: campaign, Tasks: make([]*domain.CallTask, 0, len(input.PhoneNumbers))}
	for i, number := range input.PhoneNumbers {
		task := s.newTask(campaign, i, number, input.FromNumber, input.Metadata, input.Voice, now.Add(time.Duration(i)*delay))
		if task.Status == domain.TaskFailed {
			res.Rejected++
		}
		res.Tasks = append(res.Tasks, task)
	}

	if err := s.store.CreateCampaign(ctx, campaign, res.Tasks); err != nil {
		return nil, fmt.Errorf("call service: persist campaign: %w", err)
	}
	s.log.Info("campaign submitted",
		zap.Stringer("campaign_id", campaign.ID),
		zap.Int("total_calls", campaign.TotalCalls),
		zap.Int("rejected", res.Rejected),
		zap.Duration("delay_between_calls", delay),
		zap.Int("max_concurrent_calls", concurrency))

	for _, task := range res.Tasks {
		if task.Status == domain.TaskPending {
			s.offer(ctx, task, "submitted")
		}
	}
	return res, nil
}

func (s *Service) newTask(c *domain.Campaign, seq int, to, from string, md domain.Metadata, voice *domain.VoiceConfig, notBefore time.Time) *domain.CallTask {
	if from == "" {
		from = s.defaults.FromNumber
	}
	maxAttempts := c.RetryPolicy.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	task := &domain.CallTask{
		ID:          uuid.New(),
		CampaignID:  c.ID,
		Sequence:    seq,
		ToNumber:    to,
		FromNumber:  from,
		Metadata:    md,
		Voice:       voice,
		NotBefore:   notBefore,
		Status:      domain.TaskPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.CreatedAt,
	}
	err := domain.ValidatePhoneNumber(to)
	if err == nil && from != "" {
		err = domain.ValidatePhoneNumber(from)
	}
	if err != nil {
		completed := c.CreatedAt
		task.Status = domain.TaskFailed
		task.LastError = domain.NewTaskError(err)
		task.CompletedAt = &completed
	}
	return task
}

// Submission succeeds once the task is stored; a lost offer is picked up by
// the scheduler's stale sweep.
func (s *Service) offer(ctx context.Context, task *domain.CallTask, reason string) {
	if err := s.offers.Offer(ctx, task.ID, task.CampaignID, reason); err != nil {
		s.log.Warn("offer failed, leaving task to the sweep", zap.Stringer("task_id", task.ID), zap.Error(err))
	}
}

// Status is the answer to a status query for a task or a campaign id.
type Status struct {
	Task     *domain.CallTask
	Campaign *domain.Campaign
	Progress *domain.CampaignProgress
}

// Status looks id up as a task first and then as a campaign.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	task, err := s.store.GetTask(ctx, id)
	if err == nil {
		return &Status{Task: task}, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("call service: get task: %w", err)
	}

	campaign, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: count tasks: %w", err)
	}
	progress := domain.NewCampaignProgress(counts)
	return &Status{Campaign: campaign, Progress: &progress}, nil
}

// CancelResult reports how many tasks a cancel request moved to Cancelled.
type CancelResult struct {
	Task      *domain.CallTask
	Cancelled int
}

// Cancel cancels a task, or every unfinished task when id names a campaign.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*CancelResult, error) {
	task, err := s.cancels.Cancel(ctx, id)
	if err == nil {
		return &CancelResult{Task: task, Cancelled: 1}, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	n, err := s.cancels.CancelCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: cancel campaign: %w", err)
	}
	s.log.Info("campaign cancelled", zap.Stringer("campaign_id", id), zap.Int("cancelled", n))
	return &CancelResult{Cancelled: n}, nil
}

// Pause holds dispatch of a campaign's pending tasks. Calls already placed
// run to completion.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	if err := s.requireUnfinished(ctx, id); err != nil {
		return nil, err
	}
	campaign, err := s.store.SetCampaignState(ctx, id, domain.CampaignPaused)
	if err != nil {
		return nil, err
	}
	s.log.Info("campaign paused", zap.Stringer("campaign_id", id))
	return campaign, nil
}

// Resume lifts a pause and re-offers the campaign's pending tasks.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	if err := s.requireUnfinished(ctx, id); err != nil {
		return nil, err
	}
	campaign, err := s.store.SetCampaignState(ctx, id, domain.CampaignActive)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListTasks(ctx, repository.TaskFilter{Status: domain.TaskPending, CampaignID: id})
	if err != nil {
		return nil, fmt.Errorf("call service: list pending tasks: %w", err)
	}
	for _, task := range pending {
		s.offer(ctx, task, "resumed")
	}
	s.log.Info("campaign resumed", zap.Stringer("campaign_id", id), zap.Int("pending", len(pending)))
	return campaign, nil
}

func (s *Service) requireUnfinished(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return err
	}
	counts, err := s.store.CountByStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("call service: count tasks: %w", err)
	}
	switch domain.NewCampaignProgress(counts).Status() {
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
		return fmt.Errorf("call service: campaign %s already finished: %w", id, apperrors.ErrConflict)
	}
	return nil
}

// ListCalls returns a campaign's tasks ordered by due time, optionally
// narrowed to one status.
func (s *Service) ListCalls(ctx context.Context, campaignID uuid.UUID, status domain.TaskStatus, limit int) ([]*domain.CallTask, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown status %q", status))
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tasks, err := s.store.ListTasks(ctx, repository.TaskFilter{CampaignID: campaignID, Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("call service: list tasks: %w", err)
	}
	return tasks, nil
}

// HistoryPage is one page of a task's transition history.
type HistoryPage struct {
	Transitions []domain.TaskTransition
	NextToken   string
}

// History pages through a task's transitions. pageToken is the opaque token
// of a previous page, empty for the first one.
func (s *Service) History(ctx context.Context, taskID uuid.UUID, limit int, pageToken string) (*HistoryPage, error) {
	if s.history == nil {
		return nil, fmt.Errorf("call service: transition history disabled: %w", apperrors.ErrUnavailable)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	state, err := common.DecodePageToken(pageToken)
	if err != nil {
		return nil, err
	}
	items, next, err := s.history.ListTransitions(ctx, taskID, limit, state)
	if err != nil {
		return nil, fmt.Errorf("call service: list transitions: %w", err)
	}
	return &HistoryPage{Transitions: items, NextToken: common.EncodePageToken(next)}, nil
}

func (s *Service) validateCampaign(input SubmitCampaignInput) error {
	n := len(input.PhoneNumbers)
	if n == 0 {
		return apperrors.Validation("phone_numbers must not be empty")
	}
	if n > s.defaults.MaxCampaignSize {
		return apperrors.Validation(fmt.Sprintf("phone_numbers holds %d entries, at most %d allowed", n, s.defaults.MaxCampaignSize))
	}
	if input.DelayBetweenCalls != nil && *input.DelayBetweenCalls < 0 {
		return apperrors.Validation("delay_between_calls must not be negative")
	}
	if input.MaxConcurrentCalls < 0 {
		return apperrors.Validation("max_concurrent_calls must not be negative")
	}
	if input.TimeZone != "" {
		if _, err := time.LoadLocation(input.TimeZone); err != nil {
			return apperrors.Validation("invalid time zone " + input.TimeZone)
		}
	}
	for _, bh := range input.BusinessHours {
		if bh.DayOfWeek < time.Sunday || bh.DayOfWeek > time.Saturday {
			return apperrors.Validation("business hour window has an invalid day of week")
		}
		if bh.Start.Hour() == bh.End.Hour() && bh.Start.Minute() == bh.End.Minute() {
			return apperrors.Validation("business hour window must have positive duration")
		}
	}
	return validateVoice(input.Voice)
}

func validateVoice(v *domain.VoiceConfig) error {
	if v == nil {
		return nil
	}
	return v.Validate()
}

func normalizeRetry(policy, fallback domain.RetryPolicy) domain.RetryPolicy {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = fallback.MaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = fallback.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = fallback.MaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Jitter < 0 || policy.Jitter > 1 {
		policy.Jitter = fallback.Jitter
	}
	return policy
}
