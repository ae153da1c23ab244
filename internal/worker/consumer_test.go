package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type payload struct {
	N int `json:"n"`
}

func message(t *testing.T, offset int64, v any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Topic: "t", Offset: offset, Value: b}
}

func TestConsumerCommitPolicy(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		message(t, 1, payload{N: 1}),
		{Topic: "t", Offset: 2, Value: []byte("{not json")},
		message(t, 3, payload{N: 3}),
		message(t, 4, payload{N: 4}),
	}}

	var (
		mu   sync.Mutex
		seen []int
	)
	handle := func(_ context.Context, p payload) error {
		mu.Lock()
		seen = append(seen, p.N)
		mu.Unlock()
		switch p.N {
		case 3:
			return errors.New("store unavailable")
		case 4:
			return apperrors.Validation("bad task")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer("test", reader, handle, nil, nil).Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		reader.mu.Lock()
		n := len(reader.pending) + 3 - len(reader.committed)
		reader.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumer did not drain the reader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 decoded messages handled, got %v", seen)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	want := []int64{1, 2, 4}
	if len(reader.committed) != len(want) {
		t.Fatalf("expected commits %v, got %v", want, reader.committed)
	}
	for i := range want {
		if reader.committed[i] != want[i] {
			t.Fatalf("expected commits %v, got %v", want, reader.committed)
		}
	}
	if !reader.closed {
		t.Fatalf("reader should be closed on exit")
	}
}
