package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository/memory"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

type offer struct {
	taskID uuid.UUID
	reason string
}

type recordingOfferer struct {
	mu     sync.Mutex
	offers []offer
}

func (r *recordingOfferer) Offer(_ context.Context, taskID, _ uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, offer{taskID: taskID, reason: reason})
	return nil
}

func (r *recordingOfferer) reasonFor(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.offers {
		if o.taskID == id {
			return o.reason
		}
	}
	return ""
}

type countingCleaner struct {
	maxAge time.Duration
}

func (c *countingCleaner) Cleanup(_ context.Context, maxAge time.Duration) int {
	c.maxAge = maxAge
	return 2
}

func seed(t *testing.T, store *memory.Store, tasks ...*domain.CallTask) {
	t.Helper()
	now := time.Now().UTC()
	c := &domain.Campaign{ID: uuid.New(), Kind: domain.CampaignKindBulk, TotalCalls: len(tasks), CreatedAt: now, UpdatedAt: now}
	for i, task := range tasks {
		task.CampaignID = c.ID
		task.Sequence = i
		task.ToNumber = "+14155550100"
		task.MaxAttempts = 3
		task.CreatedAt = now
		task.UpdatedAt = now
	}
	if err := store.CreateCampaign(context.Background(), c, tasks); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
}

func TestSweepReoffersLostTasks(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()
	claimed := now.Add(-10 * time.Minute)
	fresh := now.Add(-time.Second)

	stale := &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(-5 * time.Minute)}
	recent := &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(-10 * time.Second)}
	future := &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(time.Hour)}
	retry := &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(-time.Second), AttemptCount: 1}
	retryLater := &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(time.Minute), AttemptCount: 2}
	expired := &domain.CallTask{ID: uuid.New(), Status: domain.TaskDispatching, NotBefore: now.Add(-time.Minute), AttemptCount: 1, ClaimedAt: &claimed}
	active := &domain.CallTask{ID: uuid.New(), Status: domain.TaskDispatching, NotBefore: now.Add(-time.Minute), AttemptCount: 1, ClaimedAt: &fresh}
	seed(t, store, stale, recent, future, retry, retryLater, expired, active)

	offers := &recordingOfferer{}
	s := New(Deps{Store: store, Offers: offers}, config.SchedulerConfig{
		StaleAfter:   2 * time.Minute,
		MaxBatchSize: 50,
	}, 5*time.Minute)

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Stale != 1 || res.RetryDue != 1 || res.Reclaimed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	if got := offers.reasonFor(stale.ID); got != ReasonStale {
		t.Fatalf("stale task offered with %q", got)
	}
	if got := offers.reasonFor(retry.ID); got != ReasonRetryDue {
		t.Fatalf("retry task offered with %q", got)
	}
	if got := offers.reasonFor(expired.ID); got != ReasonReclaimed {
		t.Fatalf("expired claim offered with %q", got)
	}
	for _, id := range []uuid.UUID{recent.ID, future.ID, retryLater.ID, active.ID} {
		if got := offers.reasonFor(id); got != "" {
			t.Fatalf("task %s should not be offered, got %q", id, got)
		}
	}

	task, err := store.GetTask(context.Background(), expired.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskPending || task.ClaimedAt != nil {
		t.Fatalf("expected reclaimed task pending without claim, got %s claimed=%v", task.Status, task.ClaimedAt)
	}
	if task.AttemptCount != 1 {
		t.Fatalf("reclaim must not change attempt count, got %d", task.AttemptCount)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()
	var tasks []*domain.CallTask
	for i := 0; i < 5; i++ {
		tasks = append(tasks, &domain.CallTask{ID: uuid.New(), Status: domain.TaskPending, NotBefore: now.Add(-time.Hour)})
	}
	seed(t, store, tasks...)

	offers := &recordingOfferer{}
	s := New(Deps{Store: store, Offers: offers}, config.SchedulerConfig{StaleAfter: time.Minute, MaxBatchSize: 3}, 0)
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Stale != 3 {
		t.Fatalf("expected 3 stale offers, got %d", res.Stale)
	}
}

func TestCleanupUsesSessionMaxAge(t *testing.T) {
	cleaner := &countingCleaner{}
	s := New(Deps{Store: memory.NewStore(), Offers: &recordingOfferer{}, Sessions: cleaner}, config.SchedulerConfig{SessionMaxAge: 6 * time.Hour}, 0)
	if n := s.Cleanup(context.Background()); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if cleaner.maxAge != 6*time.Hour {
		t.Fatalf("unexpected max age %v", cleaner.maxAge)
	}
}

func TestRunRejectsBadSpec(t *testing.T) {
	s := New(Deps{Store: memory.NewStore(), Offers: &recordingOfferer{}}, config.SchedulerConfig{SweepSpec: "every now and then"}, 0)
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestScheduleAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	got, err := ScheduleAt("2024-01-02T09:30:00", "America/New_York", now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if want := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got, err = ScheduleAt("2024-01-02T09:30:00+02:00", "America/New_York", now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if want := time.Date(2024, 1, 2, 7, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("explicit offset should win, expected %v, got %v", want, got)
	}

	got, err = ScheduleAt("2023-12-31 08:00", "", now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("past schedule should clamp to now, got %v", got)
	}

	if _, err := ScheduleAt("tomorrow", "UTC", now); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ScheduleAt("2024-01-02T09:30:00", "Mars/Olympus", now); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for zone, got %v", err)
	}
}
