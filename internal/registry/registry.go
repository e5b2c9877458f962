package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/example/nats-chat-group-channel-service/internal/domain"
)

// SessionCeiling caps how long any single subscription is kept open before
// it's forced to complete, mirroring MAX_CONNECT_DURATION in the original
// service.
const SessionCeiling = 15 * time.Minute

// deliverFanoutLimit bounds how many handles are written to concurrently
// per Deliver call.
const deliverFanoutLimit = 32

// Registry tracks which users are actively subscribed and how to reach
// them. One Registry instance lives per process; instances don't share
// state, so the Dispatch Loop's bus subscription must not use a queue
// group — every instance needs the full picture of who's listening on it.
type Registry struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]map[Handle]struct{}

	onFirstSubscriber func(userID uuid.UUID)
	onLastUnsubscribe func(userID uuid.UUID)
}

// New builds an empty Registry. onFirstSubscriber and onLastUnsubscribe are
// invoked (outside the registry's lock) when a user's listener set becomes
// non-empty or empty, respectively — the Dispatch Loop's caller wires these
// to nothing since delivery is push-based here, but the hook exists for the
// same reason the original service toggles a NATS subscription per user.
func New(onFirstSubscriber, onLastUnsubscribe func(userID uuid.UUID)) *Registry {
	if onFirstSubscriber == nil {
		onFirstSubscriber = func(uuid.UUID) {}
	}
	if onLastUnsubscribe == nil {
		onLastUnsubscribe = func(uuid.UUID) {}
	}
	return &Registry{
		listeners:         make(map[uuid.UUID]map[Handle]struct{}),
		onFirstSubscriber: onFirstSubscriber,
		onLastUnsubscribe: onLastUnsubscribe,
	}
}

// Subscribe registers handle for userID and arranges for it to be dropped
// automatically at completion or at the session ceiling, whichever comes
// first. Adding the handle and deciding whether the set was empty happen
// under one lock acquisition; onFirstSubscriber is called after the lock is
// released, so hook calls for the same user are not ordered against a
// concurrent Subscribe or unsubscribe of that user.
func (r *Registry) Subscribe(userID uuid.UUID, handle Handle) {
	r.mu.Lock()
	set, ok := r.listeners[userID]
	if !ok {
		set = make(map[Handle]struct{})
		r.listeners[userID] = set
	}
	wasEmpty := len(set) == 0
	set[handle] = struct{}{}
	r.mu.Unlock()

	if wasEmpty {
		r.onFirstSubscriber(userID)
	}

	if err := handle.Announce(); err != nil {
		slog.Warn("registry: failed to announce connect to new subscriber", "user_id", userID, "error", err)
	}

	timer := time.AfterFunc(SessionCeiling, handle.Close)
	handle.OnComplete(func() {
		timer.Stop()
		r.unsubscribe(userID, handle)
	})
}

func (r *Registry) unsubscribe(userID uuid.UUID, handle Handle) {
	r.mu.Lock()
	set, ok := r.listeners[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(set, handle)
	empty := len(set) == 0
	if empty {
		delete(r.listeners, userID)
	}
	r.mu.Unlock()

	if empty {
		r.onLastUnsubscribe(userID)
	}
}

// ListenerCount returns how many users currently have at least one open
// subscription, backing the distinct-online-users gauge.
func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// ConnectionCount returns the total number of open handles across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.listeners {
		total += len(set)
	}
	return total
}

// Deliver fans a message out to every handle subscribed for userID, with
// bounded concurrency so one slow connection can't starve the others.
// Handles that fail to send are closed and dropped.
func (r *Registry) Deliver(ctx context.Context, userID uuid.UUID, msg domain.GroupMessageDto) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	set := r.listeners[userID]
	handles := make([]Handle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(deliverFanoutLimit)
	for _, h := range handles {
		h := h
		group.Go(func() error {
			if err := h.SendText(payload); err != nil {
				slog.WarnContext(ctx, "registry: dropping dead handle", "user_id", userID, "error", err)
				h.Close()
			}
			return nil
		})
	}
	return group.Wait()
}

// RegisterGauge registers the chat.group.channel.online.users observable
// gauge, mirroring the Micrometer gauge the original service exposes as the
// sum of its listeningUsers map's set sizes
// (l.values().stream().mapToDouble(Set::size).sum()), not the number of
// distinct keys. A secondary gauge tracks the distinct-user count, which the
// original doesn't expose but is cheap to observe alongside it.
func (r *Registry) RegisterGauge(meter metric.Meter) error {
	onlineConnections, err := meter.Int64ObservableGauge("chat.group.channel.online.users",
		metric.WithDescription("Sum of open group channel subscription connections across all users"))
	if err != nil {
		return err
	}
	distinctUsers, err := meter.Int64ObservableGauge("chat_group_channel_distinct_online_users",
		metric.WithDescription("Number of distinct users with at least one open group channel subscription"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(onlineConnections, int64(r.ConnectionCount()))
		o.ObserveInt64(distinctUsers, int64(r.ListenerCount()))
		return nil
	}, onlineConnections, distinctUsers)
	return err
}
