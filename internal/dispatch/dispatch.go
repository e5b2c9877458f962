// Package dispatch is the Dispatch Loop: one shared NATS handler per
// process that decodes each delivery subject and hands the message off to
// the local Subscription Registry.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-group-channel-service/internal/bus"
	"github.com/example/nats-chat-group-channel-service/internal/domain"
	"github.com/example/nats-chat-group-channel-service/internal/otelhelper"
	"github.com/example/nats-chat-group-channel-service/internal/registry"
)

// Loop subscribes to every per-user delivery subject and fans each message
// out through reg. It binds without a queue group: the Subscription
// Registry is local, in-memory, per-process state, so every running
// instance needs to see every delivery — queue-grouping here would starve
// whichever instances didn't win the message for a given user.
type Loop struct {
	nc  *nats.Conn
	reg *registry.Registry

	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

// New builds a Loop. meter may be nil in tests that don't care about metrics.
func New(nc *nats.Conn, reg *registry.Registry, meter metric.Meter) (*Loop, error) {
	l := &Loop{nc: nc, reg: reg}
	if meter == nil {
		return l, nil
	}
	var err error
	l.deliveredCounter, err = meter.Int64Counter("group_channel_dispatch_delivered_total",
		metric.WithDescription("Messages handed to the subscription registry for local delivery"))
	if err != nil {
		return nil, err
	}
	l.droppedCounter, err = meter.Int64Counter("group_channel_dispatch_dropped_total",
		metric.WithDescription("Delivery-subject messages dropped due to a decode or unmarshal failure"))
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Start binds the NATS subscription. Call Unsubscribe on the returned
// *nats.Subscription during shutdown.
func (l *Loop) Start() (*nats.Subscription, error) {
	return l.nc.Subscribe(bus.DeliverWildcard, l.handle)
}

func (l *Loop) handle(msg *nats.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "group.channel.deliver")
	defer span.End()

	userID, err := bus.DecodeDeliverSubject(msg.Subject)
	if err != nil {
		slog.WarnContext(ctx, "dispatch: unroutable delivery subject", "subject", msg.Subject, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.incDropped(ctx)
		return
	}

	var dto domain.GroupMessageDto
	if err := json.Unmarshal(msg.Data, &dto); err != nil {
		slog.WarnContext(ctx, "dispatch: malformed message payload", "user_id", userID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.incDropped(ctx)
		return
	}

	span.SetAttributes(attribute.String("group_channel.user_id", userID.String()))
	if err := l.reg.Deliver(ctx, userID, dto); err != nil {
		slog.ErrorContext(ctx, "dispatch: delivery failed", "user_id", userID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if l.deliveredCounter != nil {
		l.deliveredCounter.Add(ctx, 1)
	}
}

func (l *Loop) incDropped(ctx context.Context) {
	if l.droppedCounter != nil {
		l.droppedCounter.Add(ctx, 1)
	}
}
