package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/repository/memory"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

type recordingOfferer struct {
	offered []uuid.UUID
}

func (r *recordingOfferer) Offer(_ context.Context, taskID, _ uuid.UUID, _ string) error {
	r.offered = append(r.offered, taskID)
	return nil
}

type storeCanceller struct {
	store *memory.Store
}

func (c storeCanceller) Cancel(ctx context.Context, taskID uuid.UUID) (*domain.CallTask, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.store.Transition(ctx, taskID, []domain.TaskStatus{task.Status}, domain.TaskCancelled, nil)
}

func (c storeCanceller) CancelCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	tasks, err := c.store.ListTasks(ctx, repository.TaskFilter{CampaignID: campaignID})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if _, err := c.Cancel(ctx, t.ID); err == nil {
			n++
		}
	}
	return n, nil
}

func newService(t *testing.T) (*Service, *memory.Store, *recordingOfferer) {
	t.Helper()
	store := memory.NewStore()
	offers := &recordingOfferer{}
	svc := NewService(store, store, offers, storeCanceller{store: store}, Defaults{
		RetryPolicy:       domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.1},
		Concurrency:       10,
		DelayBetweenCalls: 5 * time.Second,
		MaxCampaignSize:   1000,
		FromNumber:        "+14155550000",
	}, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store, offers
}

func TestSubmitCallOffersPendingTask(t *testing.T) {
	svc, store, offers := newService(t)

	task, err := svc.SubmitCall(context.Background(), SubmitCallInput{
		ToNumber:     "+14155550123",
		Metadata:     domain.Metadata{"customer": "42"},
		DelaySeconds: 30,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != domain.TaskPending || stored.AttemptCount != 0 {
		t.Fatalf("unexpected task %+v", stored)
	}
	if stored.FromNumber != "+14155550000" {
		t.Fatalf("expected default from number, got %q", stored.FromNumber)
	}
	if want := svc.now().Add(30 * time.Second); !stored.NotBefore.Equal(want) {
		t.Fatalf("expected not_before %v, got %v", want, stored.NotBefore)
	}
	if stored.MaxAttempts != 3 {
		t.Fatalf("expected max attempts 3, got %d", stored.MaxAttempts)
	}
	if len(offers.offered) != 1 || offers.offered[0] != task.ID {
		t.Fatalf("expected task to be offered once, got %v", offers.offered)
	}
}

func TestSubmitCallMalformedNumberFailsImmediately(t *testing.T) {
	svc, store, offers := newService(t)

	task, err := svc.SubmitCall(context.Background(), SubmitCallInput{ToNumber: "555-0123"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if task == nil {
		t.Fatalf("expected rejected task to be returned")
	}
	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != domain.TaskFailed || stored.AttemptCount != 0 {
		t.Fatalf("expected failed task with zero attempts, got %s/%d", stored.Status, stored.AttemptCount)
	}
	if stored.LastError == nil || stored.LastError.Kind != apperrors.KindValidation {
		t.Fatalf("expected validation last_error, got %+v", stored.LastError)
	}
	if len(offers.offered) != 0 {
		t.Fatalf("rejected task must not be offered")
	}
}

func TestSubmitCallRejectsBadVoice(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.SubmitCall(context.Background(), SubmitCallInput{
		ToNumber: "+14155550123",
		Voice:    &domain.VoiceConfig{VoiceID: "v", Settings: domain.VoiceSettings{Stability: 1.5}},
	})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitCampaignStaggersTasks(t *testing.T) {
	svc, _, offers := newService(t)
	delay := 30 * time.Second

	res, err := svc.SubmitCampaign(context.Background(), SubmitCampaignInput{
		PhoneNumbers:       []string{"+14155550101", "bogus", "+14155550103", "+14155550104"},
		DelayBetweenCalls:  &delay,
		MaxConcurrentCalls: 1,
	})
	if err != nil {
		t.Fatalf("submit campaign: %v", err)
	}
	if res.Campaign.TotalCalls != 4 || res.Rejected != 1 {
		t.Fatalf("unexpected result total=%d rejected=%d", res.Campaign.TotalCalls, res.Rejected)
	}
	if res.Campaign.ConcurrencyLimit != 1 || res.Campaign.DelayBetweenCalls != delay {
		t.Fatalf("campaign settings not applied: %+v", res.Campaign)
	}
	for i, task := range res.Tasks {
		if want := svc.now().Add(time.Duration(i) * delay); !task.NotBefore.Equal(want) {
			t.Fatalf("task %d: expected not_before %v, got %v", i, want, task.NotBefore)
		}
		if task.Sequence != i {
			t.Fatalf("task %d has sequence %d", i, task.Sequence)
		}
	}
	if res.Tasks[1].Status != domain.TaskFailed {
		t.Fatalf("malformed number should be failed, got %s", res.Tasks[1].Status)
	}
	if len(offers.offered) != 3 {
		t.Fatalf("expected 3 offers, got %d", len(offers.offered))
	}
}

func TestSubmitCampaignDefaults(t *testing.T) {
	svc, _, _ := newService(t)
	res, err := svc.SubmitCampaign(context.Background(), SubmitCampaignInput{PhoneNumbers: []string{"+14155550101"}})
	if err != nil {
		t.Fatalf("submit campaign: %v", err)
	}
	if res.Campaign.DelayBetweenCalls != 5*time.Second || res.Campaign.ConcurrencyLimit != 10 {
		t.Fatalf("defaults not applied: %+v", res.Campaign)
	}
}

func TestSubmitCampaignValidation(t *testing.T) {
	svc, _, _ := newService(t)
	negative := -time.Second
	tooMany := make([]string, 1001)
	for i := range tooMany {
		tooMany[i] = "+14155550101"
	}

	cases := map[string]SubmitCampaignInput{
		"empty":          {},
		"too many":       {PhoneNumbers: tooMany},
		"negative delay": {PhoneNumbers: []string{"+14155550101"}, DelayBetweenCalls: &negative},
		"bad zone":       {PhoneNumbers: []string{"+14155550101"}, TimeZone: "invalid"},
		"zero window": {PhoneNumbers: []string{"+14155550101"}, TimeZone: "UTC", BusinessHours: []domain.BusinessHourWindow{{
			DayOfWeek: time.Monday,
			Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
			End:       time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		}}},
	}
	for name, input := range cases {
		if _, err := svc.SubmitCampaign(context.Background(), input); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}

	midnight := SubmitCampaignInput{PhoneNumbers: []string{"+14155550101"}, TimeZone: "UTC", BusinessHours: []domain.BusinessHourWindow{{
		DayOfWeek: time.Monday,
		Start:     time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
		End:       time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
	}}}
	if _, err := svc.SubmitCampaign(context.Background(), midnight); err != nil {
		t.Fatalf("midnight-crossing window should be accepted: %v", err)
	}
}

func TestScheduleCallInPastDispatchesNow(t *testing.T) {
	svc, _, offers := newService(t)
	task, err := svc.ScheduleCall(context.Background(), ScheduleCallInput{
		ToNumber:     "+14155550123",
		ScheduleTime: "2023-06-01T10:00:00",
		TimeZone:     "Europe/Berlin",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !task.NotBefore.Equal(svc.now()) {
		t.Fatalf("expected immediate not_before, got %v", task.NotBefore)
	}
	if len(offers.offered) != 1 {
		t.Fatalf("expected scheduled task to be offered")
	}
}

func TestStatusForTaskAndCampaign(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	res, err := svc.SubmitCampaign(ctx, SubmitCampaignInput{PhoneNumbers: []string{"+14155550101", "nope"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st, err := svc.Status(ctx, res.Tasks[0].ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if st.Task == nil || st.Task.Status != domain.TaskPending {
		t.Fatalf("unexpected task status %+v", st)
	}

	st, err = svc.Status(ctx, res.Campaign.ID)
	if err != nil {
		t.Fatalf("campaign status: %v", err)
	}
	if st.Progress == nil || st.Progress.Total != 2 || st.Progress.Failed != 1 || st.Progress.Pending != 1 {
		t.Fatalf("unexpected progress %+v", st.Progress)
	}
	if st.Progress.Status() != domain.CampaignStatusInProgress {
		t.Fatalf("unexpected campaign status %s", st.Progress.Status())
	}

	if _, err := svc.Status(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelTaskAndCampaign(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	task, err := svc.SubmitCall(ctx, SubmitCallInput{ToNumber: "+14155550123"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err := svc.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if out.Cancelled != 1 || out.Task.Status != domain.TaskCancelled {
		t.Fatalf("unexpected cancel result %+v", out)
	}

	res, err := svc.SubmitCampaign(ctx, SubmitCampaignInput{PhoneNumbers: []string{"+14155550101", "+14155550102", "x"}})
	if err != nil {
		t.Fatalf("submit campaign: %v", err)
	}
	out, err = svc.Cancel(ctx, res.Campaign.ID)
	if err != nil {
		t.Fatalf("cancel campaign: %v", err)
	}
	if out.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", out.Cancelled)
	}
	counts, _ := store.CountByStatus(ctx, res.Campaign.ID)
	if counts[domain.TaskCancelled] != 2 || counts[domain.TaskFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if _, err := svc.Cancel(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryPaging(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	taskID := uuid.New()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path := []domain.TaskStatus{domain.TaskPending, domain.TaskDispatching, domain.TaskInProgress, domain.TaskSucceeded}
	for i := 1; i < len(path); i++ {
		if err := store.AppendTransition(ctx, domain.TaskTransition{
			TaskID: taskID, From: path[i-1], To: path[i], Attempt: 1, OccurredAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := svc.History(ctx, taskID, 2, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(first.Transitions) != 2 || first.NextToken == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := svc.History(ctx, taskID, 2, first.NextToken)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(second.Transitions) != 1 || second.Transitions[0].To != domain.TaskSucceeded {
		t.Fatalf("unexpected second page %+v", second)
	}

	if _, err := svc.History(ctx, taskID, 2, "!!not-base64!!"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for bad token, got %v", err)
	}
}
