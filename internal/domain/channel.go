// Package domain holds the Group Channel aggregate and the Membership Engine:
// pure transition functions with no persistence or transport concerns, so
// they can be unit-tested without a database or a bus connection.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageKind enumerates the kinds of GroupMessage that can appear in a
// channel's log.
type MessageKind string

const (
	MessageText   MessageKind = "TEXT"
	MessageInvite MessageKind = "INVITE"
	MessageJoin   MessageKind = "JOIN"
	MessageKick   MessageKind = "KICK"
	MessageLeave  MessageKind = "LEAVE"
	MessageCreate MessageKind = "CREATE"
)

const (
	minNameLength = 1
	maxNameLength = 100
)

// User is referenced by channels only through its id; user management is
// an external collaborator (spec.md §1).
type User struct {
	ID       uuid.UUID
	Username string
}

// GroupMessage is an immutable, append-only log entry.
type GroupMessage struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	FromUser  *User
	Kind      MessageKind
	Payload   string
	CreatedAt time.Time
}

// GroupChannel is the aggregate: membership sets, the message log, and the
// optimistic-concurrency version.
type GroupChannel struct {
	ID          uuid.UUID
	Name        string
	Members     map[uuid.UUID]User
	Invited     map[uuid.UUID]User
	Messages    []GroupMessage
	LastMessage *GroupMessage
	UpdatedAt   time.Time
	Version     int64
}

// ValidateChannelName trims and bounds a channel name, mirroring
// ChannelNameValidator in the original source.
func ValidateChannelName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < minNameLength {
		return "", ValidationErrorf("channel name must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", ValidationErrorf("channel name must be at most %d characters", maxNameLength)
	}
	return trimmed, nil
}

// IsMember reports whether user is a current member.
func (c *GroupChannel) IsMember(userID uuid.UUID) bool {
	_, ok := c.Members[userID]
	return ok
}

// IsInvited reports whether user has an outstanding invitation.
func (c *GroupChannel) IsInvited(userID uuid.UUID) bool {
	_, ok := c.Invited[userID]
	return ok
}

// MemberIDs returns the current member ids, in no particular order.
func (c *GroupChannel) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	return ids
}

func (c *GroupChannel) appendMessage(kind MessageKind, from *User, payload string, now time.Time) {
	msg := GroupMessage{
		ID:        uuid.Must(uuid.NewV7()),
		ChannelID: c.ID,
		FromUser:  from,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	c.Messages = append(c.Messages, msg)
	c.LastMessage = &c.Messages[len(c.Messages)-1]
	c.UpdatedAt = now
	c.Version++
}

// Create initializes a brand-new channel with creator as its sole member.
func Create(creator User, name string) (*GroupChannel, error) {
	validName, err := ValidateChannelName(name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	channel := &GroupChannel{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      validName,
		Members:   map[uuid.UUID]User{creator.ID: creator},
		Invited:   map[uuid.UUID]User{},
		UpdatedAt: now,
	}
	channel.appendMessage(MessageCreate, &creator, creator.Username+" created the channel", now)
	return channel, nil
}

// Invite adds invitee to c's invited set. inviter must already be a member,
// invitee must be neither a member nor already invited, and inviter can't
// invite themselves.
func Invite(c *GroupChannel, inviter, invitee User) error {
	if !c.IsMember(inviter.ID) {
		return InvalidOperationf("inviter is not a member of the channel")
	}
	if inviter.ID == invitee.ID {
		return InvalidOperationf("a user cannot invite themselves")
	}
	if c.IsMember(invitee.ID) || c.IsInvited(invitee.ID) {
		return InvalidOperationf("invitee is already a member or already invited")
	}

	c.Invited[invitee.ID] = invitee
	c.appendMessage(MessageInvite, &inviter, invitee.Username+" was invited by "+inviter.Username, time.Now().UTC())
	return nil
}

// Accept moves invitee from invited to members.
func Accept(c *GroupChannel, invitee User) error {
	if !c.IsInvited(invitee.ID) {
		return InvalidOperationf("user has no outstanding invitation to this channel")
	}

	delete(c.Invited, invitee.ID)
	c.Members[invitee.ID] = invitee
	c.appendMessage(MessageJoin, &invitee, invitee.Username+" joined the channel", time.Now().UTC())
	return nil
}

// Kick removes target from c's members. actor must be a member and cannot
// target themselves — that's the Leave path.
func Kick(c *GroupChannel, actor, target User) error {
	if !c.IsMember(actor.ID) {
		return InvalidOperationf("actor is not a member of the channel")
	}
	if !c.IsMember(target.ID) {
		return InvalidOperationf("target is not a member of the channel")
	}
	if actor.ID == target.ID {
		return InvalidOperationf("a user cannot kick themselves, use leave instead")
	}

	delete(c.Members, target.ID)
	c.appendMessage(MessageKick, &actor, target.Username+" was removed by "+actor.Username, time.Now().UTC())
	return nil
}

// Leave removes user from c's members.
func Leave(c *GroupChannel, user User) error {
	if !c.IsMember(user.ID) {
		return InvalidOperationf("user is not a member of the channel")
	}

	delete(c.Members, user.ID)
	c.appendMessage(MessageLeave, &user, user.Username+" left the channel", time.Now().UTC())
	return nil
}
