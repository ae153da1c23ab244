package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/repository/memory"
)

type oneShotReader struct {
	msgs      chan kafka.Message
	committed chan int64
}

func (r *oneShotReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *oneShotReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed <- m.Offset
	}
	return nil
}

func (r *oneShotReader) Close() error { return nil }

func TestStatusWorkerRecordsTransition(t *testing.T) {
	store := memory.NewStore()
	reader := &oneShotReader{msgs: make(chan kafka.Message, 1), committed: make(chan int64, 1)}

	taskID := uuid.New()
	msg := queue.StatusMessage{
		TaskTransition: domain.TaskTransition{
			TaskID:     taskID,
			CampaignID: uuid.New(),
			From:       domain.TaskDispatching,
			To:         domain.TaskInProgress,
			Attempt:    1,
			CallID:     "CA123",
			OccurredAt: time.Now().UTC(),
		},
		ToNumber: "+14155550100",
	}
	b, _ := json.Marshal(msg)
	reader.msgs <- kafka.Message{Offset: 7, Value: b}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = New(reader, store, nil).Run(ctx) }()

	select {
	case off := <-reader.committed:
		if off != 7 {
			t.Fatalf("unexpected committed offset %d", off)
		}
	case <-time.After(time.Second):
		t.Fatalf("message was not committed")
	}

	items, _, err := store.ListTransitions(context.Background(), taskID, 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].To != domain.TaskInProgress || items[0].CallID != "CA123" {
		t.Fatalf("unexpected history %+v", items)
	}
}
