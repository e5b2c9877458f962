package otelhelper

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// natsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type natsHeaderCarrier struct {
	Header nats.Header
}

func (c *natsHeaderCarrier) Get(key string) string { return c.Header.Get(key) }

func (c *natsHeaderCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c *natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

var tracer = otel.Tracer("group-channel-service")

func messagingAttributes(subject string, payloadSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", payloadSize),
	}
}

// TracedPublish publishes a NATS message as a CONSUMER span's producer
// counterpart, injecting the current trace context into the message header
// so StartConsumerSpan on the receiving end can continue the same trace.
func TracedPublish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttributes(subject, len(data))...),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &natsHeaderCarrier{Header: header})

	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header})
}

// StartConsumerSpan extracts the trace context TracedPublish injected into
// msg's header and starts a CONSUMER span continuing that trace.
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operationName string) (context.Context, trace.Span) {
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &natsHeaderCarrier{Header: msg.Header})
	}
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttributes(msg.Subject, len(msg.Data))...),
	)
}

// NewDurationHistogram creates a float64 histogram recording seconds, matching
// the helper every request-handling service in this system uses for latency.
func NewDurationHistogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
	)
}
