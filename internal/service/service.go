// Package service is the Channel Service: the orchestrator that validates
// input, drives the Membership Engine, persists through the Channel Store,
// and publishes the resulting message onto the bus.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-group-channel-service/internal/bus"
	"github.com/example/nats-chat-group-channel-service/internal/domain"
	"github.com/example/nats-chat-group-channel-service/internal/otelhelper"
	"github.com/example/nats-chat-group-channel-service/internal/store"
)

// maxOptimisticAttempts and optimisticBackoff mirror the original service's
// @Retryable(value = OptimisticLockingFailureException.class, backoff =
// @Backoff(delay = 100)) — a fixed 100ms delay, bounded here at 5 attempts
// since Spring Retry's unbounded-by-default policy has no equivalent this
// codebase reaches for.
const (
	maxOptimisticAttempts = 5
	optimisticBackoff     = 100 * time.Millisecond
)

// ChannelService implements the seven operations spec.md §4.4 assigns to
// the Channel Service.
type ChannelService struct {
	channels store.ChannelStore
	users    store.UserStore
	nc       *nats.Conn

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// New wires a ChannelService. meter may be nil in tests.
func New(channels store.ChannelStore, users store.UserStore, nc *nats.Conn, meter metric.Meter) (*ChannelService, error) {
	s := &ChannelService{channels: channels, users: users, nc: nc}
	if meter == nil {
		return s, nil
	}
	var err error
	s.requestCounter, err = meter.Int64Counter("group_channel_requests_total",
		metric.WithDescription("Total group channel service requests"))
	if err != nil {
		return nil, err
	}
	s.requestDuration, err = otelhelper.NewDurationHistogram(meter, "group_channel_request_duration_seconds",
		"Duration of group channel service requests")
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChannelService) observe(ctx context.Context, operation string, start time.Time, err error) {
	if s.requestCounter != nil {
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("error", err != nil),
		))
	}
	if s.requestDuration != nil {
		s.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}

func parseUUID(kind string, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.ValidationErrorf("%s is not a valid id: %v", kind, err)
	}
	return id, nil
}

// loadUser resolves a user id to a domain.User, or a KindUserNotFound error.
func (s *ChannelService) loadUser(ctx context.Context, raw, kind string) (domain.User, error) {
	id, err := parseUUID(kind, raw)
	if err != nil {
		return domain.User{}, err
	}
	return s.users.FindByID(ctx, id)
}

// withOptimisticRetry re-runs fn up to maxOptimisticAttempts times while it
// keeps failing with a KindOptimisticConflict error, sleeping
// optimisticBackoff between attempts. fn is expected to reload the channel
// itself on each call so retries see the latest version.
func withOptimisticRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 1; attempt <= maxOptimisticAttempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if !domain.IsKind(err, domain.KindOptimisticConflict) {
			return zero, err
		}
		if attempt == maxOptimisticAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(optimisticBackoff):
		}
	}
	return zero, err
}

// publishChannelMessage publishes msg to every current member's delivery
// subject. Publish failures are a BusFailure: logged inside bus.PublishMessage,
// never surfaced, since the state change already committed (spec.md Open
// Question: publish-after-commit).
func (s *ChannelService) publishChannelMessage(ctx context.Context, channel *domain.GroupChannel, msg domain.GroupMessage) {
	if s.nc == nil {
		return
	}
	dto := domain.NewGroupMessageDto(&msg)
	for memberID := range channel.Members {
		bus.PublishMessage(ctx, s.nc, bus.EncodeDeliverSubject(memberID), dto)
	}
}

// CreateChannel creates a new channel owned solely by fromUserID. Not
// retried: there's no existing row to conflict on.
func (s *ChannelService) CreateChannel(ctx context.Context, fromUserID, name string) (domain.GroupChannelProfile, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "createChannel", start, err) }()

	var creator domain.User
	creator, err = s.loadUser(ctx, fromUserID, "fromUserId")
	if err != nil {
		return domain.GroupChannelProfile{}, err
	}

	var channel *domain.GroupChannel
	channel, err = domain.Create(creator, name)
	if err != nil {
		return domain.GroupChannelProfile{}, err
	}

	if err = s.channels.Save(ctx, channel, 0); err != nil {
		return domain.GroupChannelProfile{}, err
	}

	s.publishChannelMessage(ctx, channel, *channel.LastMessage)
	return domain.NewGroupChannelProfile(channel), nil
}

// InviteToChannel invites toUserID into channelID on fromUserID's behalf.
func (s *ChannelService) InviteToChannel(ctx context.Context, fromUserID, toUserID, channelID string) (domain.GroupMessageDto, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "inviteToChannel", start, err) }()

	var result domain.GroupMessageDto
	result, err = withOptimisticRetry(ctx, func(ctx context.Context) (domain.GroupMessageDto, error) {
		return s.mutateChannel(ctx, channelID, func(channel *domain.GroupChannel) error {
			inviter, err := s.loadUser(ctx, fromUserID, "fromUserId")
			if err != nil {
				return err
			}
			invitee, err := s.loadUser(ctx, toUserID, "toUserId")
			if err != nil {
				return err
			}
			return domain.Invite(channel, inviter, invitee)
		})
	})
	return result, err
}

// AcceptInvitation accepts ofUserID's outstanding invitation to channelID.
func (s *ChannelService) AcceptInvitation(ctx context.Context, ofUserID, channelID string) (domain.GroupMessageDto, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "acceptInvitationOfChannel", start, err) }()

	var result domain.GroupMessageDto
	result, err = withOptimisticRetry(ctx, func(ctx context.Context) (domain.GroupMessageDto, error) {
		return s.mutateChannel(ctx, channelID, func(channel *domain.GroupChannel) error {
			invitee, err := s.loadUser(ctx, ofUserID, "ofUserId")
			if err != nil {
				return err
			}
			return domain.Accept(channel, invitee)
		})
	})
	return result, err
}

// RemoveFromChannel kicks targetUserID out of channelID on fromUserID's behalf.
func (s *ChannelService) RemoveFromChannel(ctx context.Context, fromUserID, targetUserID, channelID string) (domain.GroupMessageDto, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "removeFromChannel", start, err) }()

	var result domain.GroupMessageDto
	result, err = withOptimisticRetry(ctx, func(ctx context.Context) (domain.GroupMessageDto, error) {
		return s.mutateChannel(ctx, channelID, func(channel *domain.GroupChannel) error {
			actor, err := s.loadUser(ctx, fromUserID, "fromUserId")
			if err != nil {
				return err
			}
			target, err := s.loadUser(ctx, targetUserID, "targetUserId")
			if err != nil {
				return err
			}
			return domain.Kick(channel, actor, target)
		})
	})
	return result, err
}

// LeaveChannel removes ofUserID from channelID's members.
func (s *ChannelService) LeaveChannel(ctx context.Context, ofUserID, channelID string) (domain.GroupMessageDto, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "leaveChannel", start, err) }()

	var result domain.GroupMessageDto
	result, err = withOptimisticRetry(ctx, func(ctx context.Context) (domain.GroupMessageDto, error) {
		return s.mutateChannel(ctx, channelID, func(channel *domain.GroupChannel) error {
			user, err := s.loadUser(ctx, ofUserID, "ofUserId")
			if err != nil {
				return err
			}
			return domain.Leave(channel, user)
		})
	})
	return result, err
}

// mutateChannel loads channelID fresh, applies transition, and saves it
// under the version it was loaded at — the shared shape behind all four
// mutating operations, each of which gets retried by withOptimisticRetry on
// a version conflict.
func (s *ChannelService) mutateChannel(ctx context.Context, channelID string, transition func(*domain.GroupChannel) error) (domain.GroupMessageDto, error) {
	id, err := parseUUID("channelId", channelID)
	if err != nil {
		return domain.GroupMessageDto{}, err
	}

	channel, err := s.channels.FindByID(ctx, id)
	if err != nil {
		return domain.GroupMessageDto{}, err
	}
	expectedVersion := channel.Version

	if err := transition(channel); err != nil {
		return domain.GroupMessageDto{}, err
	}

	if err := s.channels.Save(ctx, channel, expectedVersion); err != nil {
		return domain.GroupMessageDto{}, err
	}

	lastMessage := *channel.LastMessage
	s.publishChannelMessage(ctx, channel, lastMessage)
	return domain.NewGroupMessageDto(&lastMessage), nil
}

// GetAllChannels returns a page of the channels ofUserID belongs to that
// have been updated no earlier than page.Since.
func (s *ChannelService) GetAllChannels(ctx context.Context, ofUserID string, page domain.PageRequest) (domain.Slice[domain.GroupChannelProfile], error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "getAllChannels", start, err) }()

	var user domain.User
	user, err = s.loadUser(ctx, ofUserID, "ofUserId")
	if err != nil {
		return domain.Slice[domain.GroupChannelProfile]{}, err
	}

	var result domain.Slice[domain.GroupChannelProfile]
	result, err = s.channels.FindByMembership(ctx, user.ID, page)
	return result, err
}

// GetChannelProfile returns channelID's profile, if ofUserID is a member.
func (s *ChannelService) GetChannelProfile(ctx context.Context, ofUserID, channelID string) (domain.GroupChannelProfile, error) {
	start := time.Now()
	var err error
	defer func() { s.observe(ctx, "getChannelProfile", start, err) }()

	var user domain.User
	user, err = s.loadUser(ctx, ofUserID, "ofUserId")
	if err != nil {
		return domain.GroupChannelProfile{}, err
	}

	id, idErr := parseUUID("channelId", channelID)
	if idErr != nil {
		err = idErr
		return domain.GroupChannelProfile{}, err
	}

	var channel *domain.GroupChannel
	channel, err = s.channels.FindByID(ctx, id)
	if err != nil {
		return domain.GroupChannelProfile{}, err
	}

	if !channel.IsMember(user.ID) {
		err = domain.InvalidOperationf("user is not a member of the channel")
		return domain.GroupChannelProfile{}, err
	}

	return domain.NewGroupChannelProfile(channel), nil
}
