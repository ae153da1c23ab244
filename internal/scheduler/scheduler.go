package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/dispatcher"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Offer reasons used by the sweep.
const (
	ReasonStale     = "stale"
	ReasonRetryDue  = "retry_due"
	ReasonReclaimed = "reclaimed"
)

// Offerer hands a task to the dispatcher, directly or through the offer topic.
type Offerer interface {
	Offer(ctx context.Context, taskID, campaignID uuid.UUID, reason string) error
}

// SessionCleaner drops finished call sessions older than maxAge.
type SessionCleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) int
}

// Deps are the collaborators of the scheduler. Sessions and Status are optional.
type Deps struct {
	Store    repository.TaskStore
	Offers   Offerer
	Sessions SessionCleaner
	Status   dispatcher.StatusSink
	Logger   *logger.Logger
}

// SweepResult counts what one sweep re-offered.
type SweepResult struct {
	Stale     int
	RetryDue  int
	Reclaimed int
}

// Scheduler periodically re-offers tasks the dispatcher may have lost track of
// and prunes finished call sessions.
type Scheduler struct {
	store      repository.TaskStore
	offers     Offerer
	sessions   SessionCleaner
	status     dispatcher.StatusSink
	cfg        config.SchedulerConfig
	claimLease time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// New constructs a scheduler.
func New(deps Deps, cfg config.SchedulerConfig, claimLease time.Duration) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@every 1m"
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 200
	}
	return &Scheduler{
		store:      deps.Store,
		offers:     deps.Offers,
		sessions:   deps.Sessions,
		status:     deps.Status,
		cfg:        cfg,
		claimLease: claimLease,
		log:        log.Named("scheduler"),
		now:        time.Now,
	}
}

// Run executes the sweep and cleanup jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("scheduler: sweep spec %q: %w", s.cfg.SweepSpec, err)
	}
	if s.sessions != nil && s.cfg.CleanupSpec != "" {
		if _, err := c.AddFunc(s.cfg.CleanupSpec, func() { s.Cleanup(ctx) }); err != nil {
			return fmt.Errorf("scheduler: cleanup spec %q: %w", s.cfg.CleanupSpec, err)
		}
	}

	s.log.Info("scheduler: started", zap.String("sweep", s.cfg.SweepSpec), zap.String("cleanup", s.cfg.CleanupSpec))
	s.runSweep(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler: stopped")
	return ctx.Err()
}

func (s *Scheduler) runSweep(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("scheduler: sweep failed", zap.Error(err))
		return
	}
	if res.Stale+res.RetryDue+res.Reclaimed > 0 {
		s.log.Info("scheduler: sweep re-offered tasks",
			zap.Int("stale", res.Stale),
			zap.Int("retry_due", res.RetryDue),
			zap.Int("reclaimed", res.Reclaimed))
	}
}

// Sweep re-offers pending tasks that have been due for longer than StaleAfter,
// pending retries whose backoff has elapsed, and returns expired dispatch
// claims to pending. Offers are idempotent, so tasks the dispatcher already
// holds are not dispatched twice.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	tracer := otel.Tracer("voice.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	now := s.now().UTC()
	var (
		res  SweepResult
		errs []error
	)

	if s.cfg.StaleAfter > 0 {
		stale, err := s.store.ListTasks(sctx, repository.TaskFilter{
			Status:    domain.TaskPending,
			DueBefore: now.Add(-s.cfg.StaleAfter),
			Limit:     s.cfg.MaxBatchSize,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale tasks: %w", err))
		} else {
			res.Stale = s.offerAll(sctx, stale, ReasonStale)
		}
	}

	due, err := s.store.ListTasks(sctx, repository.TaskFilter{
		Status:      domain.TaskPending,
		DueBefore:   now,
		MinAttempts: 1,
		Limit:       s.cfg.MaxBatchSize,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list retry-due tasks: %w", err))
	} else {
		res.RetryDue = s.offerAll(sctx, due, ReasonRetryDue)
	}

	if s.claimLease > 0 {
		n, err := s.reclaim(sctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Reclaimed = n
	}

	span.SetAttributes(
		attribute.Int("tasks.stale", res.Stale),
		attribute.Int("tasks.retry_due", res.RetryDue),
		attribute.Int("tasks.reclaimed", res.Reclaimed),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return res, err
	}
	return res, nil
}

func (s *Scheduler) reclaim(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListTasks(ctx, repository.TaskFilter{
		Status:        domain.TaskDispatching,
		ClaimedBefore: now.Add(-s.claimLease),
		Limit:         s.cfg.MaxBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	reclaimed := make([]*domain.CallTask, 0, len(expired))
	for _, t := range expired {
		task, err := s.store.Transition(ctx, t.ID, []domain.TaskStatus{domain.TaskDispatching}, domain.TaskPending, func(ct *domain.CallTask) {
			ct.ClaimedAt = nil
		})
		if err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.log.Warn("scheduler: reclaim task", zap.Stringer("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		s.log.Warn("scheduler: dispatch claim expired", zap.Stringer("task_id", task.ID), zap.Int("attempt", task.AttemptCount))
		s.publish(ctx, task, now)
		reclaimed = append(reclaimed, task)
	}
	return s.offerAll(ctx, reclaimed, ReasonReclaimed), nil
}

func (s *Scheduler) offerAll(ctx context.Context, tasks []*domain.CallTask, reason string) int {
	offered := 0
	for _, t := range tasks {
		octx, span := otel.Tracer("voice.scheduler").Start(ctx, "scheduler.offer", trace.WithAttributes(
			attribute.String("task.id", t.ID.String()),
			attribute.String("campaign.id", t.CampaignID.String()),
			attribute.String("offer.reason", reason),
		))
		if err := s.offers.Offer(octx, t.ID, t.CampaignID, reason); err != nil {
			span.RecordError(err)
			s.log.Error("scheduler: offer failed", zap.Stringer("task_id", t.ID), zap.String("reason", reason), zap.Error(err))
			span.End()
			continue
		}
		span.End()
		offered++
	}
	return offered
}

func (s *Scheduler) publish(ctx context.Context, task *domain.CallTask, at time.Time) {
	if s.status == nil {
		return
	}
	msg := queue.StatusMessage{
		TaskTransition: domain.TaskTransition{
			TaskID:     task.ID,
			CampaignID: task.CampaignID,
			From:       domain.TaskDispatching,
			To:         task.Status,
			Attempt:    task.AttemptCount,
			OccurredAt: at,
		},
		ToNumber: task.ToNumber,
		Metadata: task.Metadata,
	}
	if err := s.status.PublishStatus(ctx, msg); err != nil {
		s.log.Warn("scheduler: publish status", zap.Stringer("task_id", task.ID), zap.Error(err))
	}
}

// Cleanup removes finished sessions older than the configured maximum age.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	if s.sessions == nil {
		return 0
	}
	_, span := otel.Tracer("voice.scheduler").Start(ctx, "scheduler.cleanup")
	defer span.End()

	n := s.sessions.Cleanup(ctx, s.cfg.SessionMaxAge)
	span.SetAttributes(attribute.Int("sessions.removed", n))
	if n > 0 {
		s.log.Info("scheduler: removed finished sessions", zap.Int("count", n))
	}
	return n
}

type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
