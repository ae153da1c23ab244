package queue

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/voice-dispatch/internal/config"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var msg kafka.Message
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})
	if len(msg.Headers) == 0 {
		t.Fatalf("expected traceparent header")
	}

	got := trace.SpanContextFromContext(ContextFromMessage(context.Background(), msg))
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
		t.Fatalf("trace context lost: %v", got)
	}
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	var headers []kafka.Header
	c := headerCarrier{headers: &headers}
	c.Set("a", "1")
	c.Set("a", "2")
	c.Set("b", "3")
	if len(headers) != 2 || c.Get("a") != "2" || c.Get("missing") != "" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if keys := c.Keys(); len(keys) != 2 {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestNewKafkaNeedsBrokers(t *testing.T) {
	if _, err := NewKafka(config.KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	k, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, OfferTopic: "o", StatusTopic: "s", CallEventTopic: "e"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if topics := k.Topics(); len(topics) != 3 || topics[0] != "o" {
		t.Fatalf("unexpected topics %v", topics)
	}
	if _, ok := k.NewWriter("o").Balancer.(*kafka.Hash); !ok {
		t.Fatalf("writers must partition by key")
	}
}
