package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-group-channel-service/internal/otelhelper"
)

// Config holds the connection parameters read from the environment by the
// process entrypoint.
type Config struct {
	URL      string
	User     string
	Password string
	Name     string
}

// Connect dials NATS with bounded retry at startup, the way every service in
// this system waits out a not-yet-ready broker during a cold cluster boot.
func Connect(cfg Config) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.URL,
			nats.UserInfo(cfg.User, cfg.Password),
			nats.Name(cfg.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("bus: connect to NATS at %s: %w", cfg.URL, err)
}

// PublishMessage marshals and traced-publishes v to a user's delivery
// subject. Publish failures are a BusFailure: logged, not surfaced to the
// caller that already committed the state change (spec.md Open Question:
// publish-after-commit).
func PublishMessage(ctx context.Context, nc *nats.Conn, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "bus: failed to marshal message for publish", "subject", subject, "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, nc, subject, data); err != nil {
		slog.ErrorContext(ctx, "bus: failed to publish message", "subject", subject, "error", err)
	}
}
