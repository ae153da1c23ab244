package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/queue"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Reader is the part of *kafka.Reader a consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one decoded message.
type Handler[T any] func(ctx context.Context, msg T) error

// Consumer runs a fetch, handle, commit loop over one topic.
type Consumer[T any] struct {
	name   string
	reader Reader
	handle Handler[T]
	log    *logger.Logger
	attrs  func(T) []attribute.KeyValue
}

// NewConsumer builds a consumer. attrs may be nil.
func NewConsumer[T any](name string, reader Reader, handle Handler[T], attrs func(T) []attribute.KeyValue, log *logger.Logger) *Consumer[T] {
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer[T]{name: name, reader: reader, handle: handle, attrs: attrs, log: log.Named(name)}
}

// Run processes messages until ctx is cancelled. Messages that cannot be
// decoded, or whose handler fails with a validation or not-found error, are
// committed and skipped; other failures leave the message uncommitted so it is
// redelivered after a rebalance.
func (c *Consumer[T]) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error(c.name+": fetch", zap.Error(err))
			continue
		}
		c.process(ctx, msg)
	}
}

func (c *Consumer[T]) process(ctx context.Context, msg kafka.Message) {
	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.log.Error(c.name+": unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		c.commit(ctx, msg)
		return
	}

	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	)}
	if c.attrs != nil {
		opts = append(opts, trace.WithAttributes(c.attrs(payload)...))
	}
	opts = append(opts, trace.WithSpanKind(trace.SpanKindConsumer))
	sctx, span := otel.Tracer("voice.worker").Start(queue.ContextFromMessage(ctx, msg), c.name+".handle", opts...)
	defer span.End()

	if err := c.handle(sctx, payload); err != nil {
		span.RecordError(err)
		if !skippable(err) {
			c.log.Error(c.name+": handle", zap.Error(err), zap.Int64("offset", msg.Offset))
			return
		}
		c.log.Warn(c.name+": dropping message", zap.Error(err), zap.Int64("offset", msg.Offset))
	}
	c.commit(sctx, msg)
}

func (c *Consumer[T]) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Error(c.name+": commit", zap.Error(err))
	}
}

func skippable(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrConflict)
}
