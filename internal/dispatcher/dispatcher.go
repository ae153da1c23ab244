package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/service/concurrency"
	"github.com/acme/voice-dispatch/internal/service/ratelimit"
	"github.com/acme/voice-dispatch/internal/service/retry"
	"github.com/acme/voice-dispatch/internal/telephony"
	"github.com/acme/voice-dispatch/internal/voice"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// ErrTerminal is returned when cancelling a task that already finished.
var ErrTerminal = fmt.Errorf("dispatcher: task already finished: %w", apperrors.ErrConflict)

// StatusSink receives every task transition after it is stored.
type StatusSink interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Sessions is the voice side of a placed call.
type Sessions interface {
	Open(ctx context.Context, callID string, taskID uuid.UUID, cfg *domain.VoiceConfig) (*voice.Session, error)
	HandleCallEvent(ctx context.Context, ev domain.CallEvent) error
	End(callID string) error
}

// Dispatcher turns offered tasks into vendor calls. Each campaign gets its own
// lane so a campaign waiting on its concurrency slot never blocks another.
type Dispatcher struct {
	store     repository.Store
	telephony telephony.Client
	limiter   ratelimit.Limiter
	gate      concurrency.Gate
	sessions  Sessions
	status    StatusSink
	cfg       config.DispatcherConfig
	retry     domain.RetryPolicy
	log       *logger.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[uuid.UUID]*lane
	slots  map[uuid.UUID]*slot
	timers map[uuid.UUID]*time.Timer
	// earliest next dispatch attempt per campaign; outlives idle lanes
	spacing map[uuid.UUID]time.Time
	closed  bool
}

type lane struct {
	campaignID uuid.UUID
	queue      []uuid.UUID
	queued     map[uuid.UUID]bool
	wake       chan struct{}
	slotFreed  chan struct{}
}

type slot struct {
	once    sync.Once
	release func()
}

// Deps groups the collaborators of a Dispatcher. Sessions and Status may be nil.
type Deps struct {
	Store     repository.Store
	Telephony telephony.Client
	Limiter   ratelimit.Limiter
	Gate      concurrency.Gate
	Sessions  Sessions
	Status    StatusSink
	Logger    *logger.Logger
}

// New builds a running dispatcher. Close stops it.
func New(deps Deps, cfg config.DispatcherConfig, retryDefaults domain.RetryPolicy) *Dispatcher {
	if cfg.SlotPollInterval <= 0 {
		cfg.SlotPollInterval = 250 * time.Millisecond
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.WindowRecheck <= 0 {
		cfg.WindowRecheck = time.Minute
	}
	if cfg.LaneIdleTimeout <= 0 {
		cfg.LaneIdleTimeout = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     deps.Store,
		telephony: deps.Telephony,
		limiter:   deps.Limiter,
		gate:      deps.Gate,
		sessions:  deps.Sessions,
		status:    deps.Status,
		cfg:       cfg,
		retry:     retryDefaults,
		log:       log.Named("dispatcher"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[uuid.UUID]*lane),
		slots:     make(map[uuid.UUID]*slot),
		timers:    make(map[uuid.UUID]*time.Timer),
		spacing:   make(map[uuid.UUID]time.Time),
	}
}

// Close stops every lane and pending re-offer and waits for in-flight work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Offer queues a task on its campaign's lane. Offering a task that is
// already queued, claimed or finished is a no-op.
func (d *Dispatcher) Offer(ctx context.Context, taskID, campaignID uuid.UUID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatcher: closed: %w", apperrors.ErrUnavailable)
	}
	l, ok := d.lanes[campaignID]
	if !ok {
		l = &lane{
			campaignID: campaignID,
			queued:     make(map[uuid.UUID]bool),
			wake:       make(chan struct{}, 1),
			slotFreed:  make(chan struct{}, 1),
		}
		d.lanes[campaignID] = l
		d.wg.Add(1)
		go d.runLane(l)
	}
	if l.queued[taskID] {
		return nil
	}
	l.queued[taskID] = true
	l.queue = append(l.queue, taskID)
	signal(l.wake)
	d.log.Debug("task offered", zap.Stringer("task_id", taskID), zap.String("reason", reason))
	return nil
}

// offerAt re-offers a task once at is reached.
func (d *Dispatcher) offerAt(at time.Time, taskID, campaignID uuid.UUID, reason string) {
	wait := at.Sub(d.now())
	if wait < 0 {
		wait = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[taskID]; ok {
		t.Stop()
	}
	d.timers[taskID] = time.AfterFunc(wait, func() {
		d.mu.Lock()
		delete(d.timers, taskID)
		d.mu.Unlock()
		if err := d.Offer(d.ctx, taskID, campaignID, reason); err != nil {
			d.log.Debug("deferred offer dropped", zap.Stringer("task_id", taskID), zap.Error(err))
		}
	})
}

func (d *Dispatcher) requeueFront(l *lane, taskID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l.queued[taskID] {
		return
	}
	l.queued[taskID] = true
	l.queue = append([]uuid.UUID{taskID}, l.queue...)
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()

	campaign, err := d.store.GetCampaign(d.ctx, l.campaignID)
	if err != nil {
		d.log.Error("lane could not load campaign", zap.Stringer("campaign_id", l.campaignID), zap.Error(err))
		d.mu.Lock()
		delete(d.lanes, l.campaignID)
		d.mu.Unlock()
		return
	}
	policy := retry.New(d.policyFor(campaign))

	for {
		taskID, ok := d.next(l)
		if !ok {
			return
		}
		if fresh, err := d.store.GetCampaign(d.ctx, l.campaignID); err == nil {
			campaign = fresh
		} else if d.ctx.Err() == nil {
			d.log.Warn("campaign refresh failed, using cached settings", zap.Stringer("campaign_id", l.campaignID), zap.Error(err))
		}
		d.process(l, campaign, policy, taskID)
	}
}

func (d *Dispatcher) policyFor(c *domain.Campaign) domain.RetryPolicy {
	if c.RetryPolicy.MaxRetries > 0 {
		return c.RetryPolicy
	}
	return d.retry
}

func (d *Dispatcher) next(l *lane) (uuid.UUID, bool) {
	idle := time.NewTimer(d.cfg.LaneIdleTimeout)
	defer idle.Stop()
	for {
		d.mu.Lock()
		if len(l.queue) > 0 {
			id := l.queue[0]
			l.queue = l.queue[1:]
			delete(l.queued, id)
			d.mu.Unlock()
			return id, true
		}
		d.mu.Unlock()

		select {
		case <-d.ctx.Done():
			return uuid.Nil, false
		case <-l.wake:
		case <-idle.C:
			d.mu.Lock()
			if len(l.queue) == 0 {
				delete(d.lanes, l.campaignID)
				d.pruneSpacingLocked()
				d.mu.Unlock()
				return uuid.Nil, false
			}
			d.mu.Unlock()
		}
	}
}

// process walks one task through the dispatch guards: due time, run state,
// calling window, concurrency slot, spacing, rate token, then the claim.
func (d *Dispatcher) process(l *lane, campaign *domain.Campaign, policy *retry.Policy, taskID uuid.UUID) {
	ctx, span := otel.Tracer("dispatcher").Start(d.ctx, "Dispatcher.process",
		trace.WithAttributes(
			attribute.String("task.id", taskID.String()),
			attribute.String("campaign.id", campaign.ID.String()),
		))
	defer span.End()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.log.Warn("offered task not readable", zap.Stringer("task_id", taskID), zap.Error(err))
		return
	}
	if task.Status != domain.TaskPending {
		return
	}
	log := d.log.WithTask(task.ID, task.CampaignID)

	now := d.now()
	if !task.Due(now) {
		d.offerAt(task.NotBefore, task.ID, task.CampaignID, "not_before")
		return
	}
	if campaign.Paused() {
		log.Debug("campaign paused, deferring")
		d.offerAt(now.Add(d.cfg.WindowRecheck), task.ID, task.CampaignID, "paused")
		return
	}
	if !campaign.WithinBusinessHours(now) {
		log.Debug("outside calling window, deferring")
		d.offerAt(now.Add(d.cfg.WindowRecheck), task.ID, task.CampaignID, "calling_window")
		return
	}

	if !d.acquireSlot(ctx, l, campaign, task.ID) {
		return
	}

	if wait := d.spacingWait(campaign.ID); wait > 0 {
		if !sleep(ctx, wait) {
			d.releaseSlot(task.ID)
			return
		}
	}

	ok, err := d.limiter.Acquire(ctx, d.cfg.AcquireTimeout)
	if err != nil || !ok {
		if err != nil && ctx.Err() == nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
		}
		d.releaseSlot(task.ID)
		if ctx.Err() == nil {
			d.requeueFront(l, task.ID)
		}
		return
	}

	claimedAt := d.now()
	claimed, err := d.store.Transition(ctx, task.ID, []domain.TaskStatus{domain.TaskPending}, domain.TaskDispatching, func(t *domain.CallTask) {
		t.AttemptCount++
		t.ClaimedAt = &claimedAt
	})
	if err != nil {
		d.releaseSlot(task.ID)
		if !errors.Is(err, repository.ErrConflict) {
			log.Error("claim failed", zap.Error(err))
		}
		return
	}
	if campaign.DelayBetweenCalls > 0 {
		d.mu.Lock()
		d.spacing[campaign.ID] = claimedAt.Add(campaign.DelayBetweenCalls)
		d.mu.Unlock()
	}
	d.publishAt(ctx, domain.TaskPending, claimed, claimedAt)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.place(claimed, policy, log)
	}()
}

// spacingWait is how long the campaign's next dispatch attempt must wait.
func (d *Dispatcher) spacingWait(campaignID uuid.UUID) time.Duration {
	d.mu.Lock()
	until, ok := d.spacing[campaignID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return until.Sub(d.now())
}

func (d *Dispatcher) pruneSpacingLocked() {
	now := d.now()
	for id, until := range d.spacing {
		if !until.After(now) {
			delete(d.spacing, id)
		}
	}
}

func (d *Dispatcher) acquireSlot(ctx context.Context, l *lane, campaign *domain.Campaign, taskID uuid.UUID) bool {
	limit := campaign.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	for {
		ok, err := d.gate.Acquire(ctx, campaign.ID, limit)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("concurrency gate unavailable", zap.Stringer("campaign_id", campaign.ID), zap.Error(err))
		}
		if ok {
			break
		}
		t := time.NewTimer(d.cfg.SlotPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-l.slotFreed:
			t.Stop()
		case <-t.C:
		}
	}

	campaignID := campaign.ID
	d.mu.Lock()
	d.slots[taskID] = &slot{release: func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.gate.Release(ctx, campaignID); err != nil {
			d.log.Warn("release concurrency slot", zap.Stringer("campaign_id", campaignID), zap.Error(err))
		}
		d.mu.Lock()
		if l, ok := d.lanes[campaignID]; ok {
			signal(l.slotFreed)
		}
		d.mu.Unlock()
	}}
	d.mu.Unlock()
	return true
}

// releaseSlot frees the concurrency slot held for a task, at most once.
func (d *Dispatcher) releaseSlot(taskID uuid.UUID) {
	d.mu.Lock()
	s, ok := d.slots[taskID]
	delete(d.slots, taskID)
	d.mu.Unlock()
	if ok {
		s.once.Do(s.release)
	}
}

// place creates the vendor call for a claimed task.
func (d *Dispatcher) place(task *domain.CallTask, policy *retry.Policy, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
	defer cancel()
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "Dispatcher.place",
		trace.WithAttributes(
			attribute.String("task.id", task.ID.String()),
			attribute.Int("task.attempt", task.AttemptCount),
		))
	defer span.End()

	callID, err := d.telephony.CreateCall(ctx, telephony.CallRequest{
		To:                task.ToNumber,
		From:              task.FromNumber,
		WebhookURL:        d.webhookURL("voice", task.ID),
		StatusCallbackURL: d.webhookURL("status", task.ID),
		Metadata:          task.Metadata,
	})
	if err != nil {
		span.RecordError(err)
		d.dispatchFailed(task, policy, err, log)
		return
	}
	log = log.WithCall(callID)

	updated, err := d.store.Transition(d.ctx, task.ID, []domain.TaskStatus{domain.TaskDispatching}, domain.TaskInProgress, func(t *domain.CallTask) {
		t.CallID = callID
		t.LastError = nil
	})
	if err != nil {
		// cancelled while the vendor was placing the call
		log.Info("task left dispatching before call was placed, ending call", zap.Error(err))
		if endErr := d.telephony.EndCall(d.ctx, callID); endErr != nil {
			log.Warn("end orphaned call", zap.Error(endErr))
		}
		d.releaseSlot(task.ID)
		return
	}
	d.publish(d.ctx, domain.TaskDispatching, updated)
	log.Info("call placed", zap.Int("attempt", updated.AttemptCount))

	if d.sessions != nil {
		if _, err := d.sessions.Open(d.ctx, callID, task.ID, task.Voice); err != nil {
			log.Warn("open voice session", zap.Error(err))
		}
	}
}

func (d *Dispatcher) dispatchFailed(task *domain.CallTask, policy *retry.Policy, cause error, log *logger.Logger) {
	defer d.releaseSlot(task.ID)
	taskErr := domain.NewTaskError(cause)

	if policy.ShouldRetry(task.AttemptCount, cause) {
		notBefore := d.now().Add(policy.NextDelay(task.AttemptCount - 1))
		updated, err := d.store.Transition(d.ctx, task.ID, []domain.TaskStatus{domain.TaskDispatching}, domain.TaskPending, func(t *domain.CallTask) {
			t.NotBefore = notBefore
			t.LastError = taskErr
			t.ClaimedAt = nil
		})
		if err != nil {
			log.Info("retry not scheduled, task moved on", zap.Error(err))
			return
		}
		log.Warn("dispatch failed, retrying",
			zap.Int("attempt", task.AttemptCount), zap.Time("not_before", notBefore), zap.Error(cause))
		d.publish(d.ctx, domain.TaskDispatching, updated)
		d.offerAt(notBefore, task.ID, task.CampaignID, "retry")
		return
	}

	updated, err := d.store.Transition(d.ctx, task.ID, []domain.TaskStatus{domain.TaskDispatching}, domain.TaskFailed, func(t *domain.CallTask) {
		t.LastError = taskErr
	})
	if err != nil {
		log.Info("failure not recorded, task moved on", zap.Error(err))
		return
	}
	log.Error("dispatch failed permanently", zap.Int("attempt", task.AttemptCount), zap.Error(cause))
	d.publish(d.ctx, domain.TaskDispatching, updated)
}

// HandleCallEvent applies vendor call progress: the session follows every
// event, the task moves on final ones.
func (d *Dispatcher) HandleCallEvent(ctx context.Context, ev domain.CallEvent) error {
	if d.sessions != nil {
		if err := d.sessions.HandleCallEvent(ctx, ev); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			d.log.Warn("session event", zap.String("call_id", ev.CallID), zap.Error(err))
		}
	}
	if !ev.Status.Final() {
		return nil
	}

	task, err := d.taskForCall(ctx, ev.CallID)
	if err != nil {
		return fmt.Errorf("dispatcher: call %s: %w", ev.CallID, err)
	}

	to := domain.TaskSucceeded
	var taskErr *domain.TaskError
	if ev.Status != domain.CallCompleted {
		to = domain.TaskFailed
		taskErr = &domain.TaskError{Kind: apperrors.KindFatalSession, Message: ev.Reason()}
	}
	updated, err := d.store.Transition(ctx, task.ID, []domain.TaskStatus{domain.TaskInProgress}, to, func(t *domain.CallTask) {
		t.LastError = taskErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			d.releaseSlot(task.ID)
			return nil
		}
		return fmt.Errorf("dispatcher: complete task %s: %w", task.ID, err)
	}
	d.publish(ctx, domain.TaskInProgress, updated)
	d.releaseSlot(task.ID)
	return nil
}

// SessionLost fails the task of a call whose voice session broke on our side.
// The call is hung up so the callee is not left on a silent line.
func (d *Dispatcher) SessionLost(callID string, taskID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
	defer cancel()
	log := d.log.WithCall(callID)

	if err := d.telephony.EndCall(ctx, callID); err != nil {
		log.Warn("end call after session loss", zap.Error(err))
	}

	taskErr := &domain.TaskError{Kind: apperrors.KindTransientStream, Message: cause.Error()}
	if kind := apperrors.KindOf(cause); kind == apperrors.KindValidation || kind == apperrors.KindAuth {
		taskErr.Kind = kind
	}
	updated, err := d.store.Transition(ctx, taskID, []domain.TaskStatus{domain.TaskInProgress}, domain.TaskFailed, func(t *domain.CallTask) {
		t.LastError = taskErr
	})
	if err != nil {
		log.Info("session loss not recorded, task moved on", zap.Stringer("task_id", taskID), zap.Error(err))
		return
	}
	log.Error("call failed, voice session lost", zap.Stringer("task_id", taskID), zap.Error(cause))
	d.publish(ctx, domain.TaskInProgress, updated)
	d.releaseSlot(taskID)
}

// taskForCall waits briefly for the InProgress write that records callID,
// since the vendor may report progress before CreateCall returned to us.
func (d *Dispatcher) taskForCall(ctx context.Context, callID string) (*domain.CallTask, error) {
	for i := 0; ; i++ {
		task, err := d.store.GetTaskByCallID(ctx, callID)
		if err == nil || !errors.Is(err, repository.ErrNotFound) || i >= 40 {
			return task, err
		}
		if !sleep(ctx, 25*time.Millisecond) {
			return nil, ctx.Err()
		}
	}
}

// Cancel stops a task. Before dispatch it is simply marked Cancelled; a
// live call is ended at the vendor and its session drained.
func (d *Dispatcher) Cancel(ctx context.Context, taskID uuid.UUID) (*domain.CallTask, error) {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, ErrTerminal
		}

		if task.Status == domain.TaskInProgress {
			if err := d.telephony.EndCall(ctx, task.CallID); err != nil {
				d.log.Warn("vendor end call failed", zap.String("call_id", task.CallID), zap.Error(err))
			}
		}

		updated, err := d.store.Transition(ctx, taskID, []domain.TaskStatus{task.Status}, domain.TaskCancelled, nil)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		d.publish(ctx, task.Status, updated)
		if task.Status == domain.TaskInProgress {
			if d.sessions != nil {
				if err := d.sessions.End(task.CallID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
					d.log.Warn("end session", zap.String("call_id", task.CallID), zap.Error(err))
				}
			}
			d.releaseSlot(taskID)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("dispatcher: cancel %s kept racing: %w", taskID, apperrors.ErrConflict)
}

// CancelCampaign cancels every unfinished task of a campaign.
func (d *Dispatcher) CancelCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	tasks, err := d.store.ListTasks(ctx, repository.TaskFilter{CampaignID: campaignID})
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if _, err := d.Cancel(ctx, t.ID); err != nil {
			if errors.Is(err, ErrTerminal) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (d *Dispatcher) publish(ctx context.Context, from domain.TaskStatus, task *domain.CallTask) {
	d.publishAt(ctx, from, task, d.now())
}

func (d *Dispatcher) publishAt(ctx context.Context, from domain.TaskStatus, task *domain.CallTask, at time.Time) {
	if d.status == nil {
		return
	}
	msg := queue.StatusMessage{
		TaskTransition: domain.TaskTransition{
			TaskID:     task.ID,
			CampaignID: task.CampaignID,
			From:       from,
			To:         task.Status,
			Attempt:    task.AttemptCount,
			CallID:     task.CallID,
			Error:      task.LastError,
			OccurredAt: at.UTC(),
		},
		ToNumber: task.ToNumber,
		Metadata: task.Metadata,
	}
	if err := d.status.PublishStatus(ctx, msg); err != nil {
		d.log.Warn("publish status", zap.Stringer("task_id", task.ID), zap.Error(err))
	}
}

func (d *Dispatcher) webhookURL(kind string, taskID uuid.UUID) string {
	base := strings.TrimRight(d.cfg.WebhookBaseURL, "/")
	q := url.Values{}
	q.Set("task_id", taskID.String())
	return fmt.Sprintf("%s/api/v1/webhooks/twilio/%s?%s", base, kind, q.Encode())
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
