package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-group-channel-service/internal/domain"
)

// fakeUserStore is an in-memory store.UserStore for service-layer tests.
type fakeUserStore struct {
	users map[uuid.UUID]domain.User
}

func newFakeUserStore(users ...domain.User) *fakeUserStore {
	m := map[uuid.UUID]domain.User{}
	for _, u := range users {
		m[u.ID] = u
	}
	return &fakeUserStore{users: m}
}

func (s *fakeUserStore) FindByID(_ context.Context, id uuid.UUID) (domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.UserNotFoundf("user %s does not exist", id)
	}
	return u, nil
}

func (s *fakeUserStore) ExistsByID(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := s.users[id]
	return ok, nil
}

// fakeChannelStore is an in-memory store.ChannelStore that can simulate a
// fixed number of spurious optimistic conflicts on Save, for exercising
// withOptimisticRetry.
type fakeChannelStore struct {
	mu                 sync.Mutex
	channels           map[uuid.UUID]*domain.GroupChannel
	conflictsRemaining int
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{channels: map[uuid.UUID]*domain.GroupChannel{}}
}

// cloneChannel copies c together with its membership maps and message log,
// so a transition applied to a loaded copy never leaks into the stored one.
func cloneChannel(c *domain.GroupChannel) *domain.GroupChannel {
	clone := *c
	clone.Members = make(map[uuid.UUID]domain.User, len(c.Members))
	for id, u := range c.Members {
		clone.Members[id] = u
	}
	clone.Invited = make(map[uuid.UUID]domain.User, len(c.Invited))
	for id, u := range c.Invited {
		clone.Invited[id] = u
	}
	clone.Messages = append([]domain.GroupMessage(nil), c.Messages...)
	if c.LastMessage != nil && len(clone.Messages) > 0 {
		clone.LastMessage = &clone.Messages[len(clone.Messages)-1]
	}
	return &clone
}

func (s *fakeChannelStore) put(c *domain.GroupChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = cloneChannel(c)
}

func (s *fakeChannelStore) FindByID(_ context.Context, id uuid.UUID) (*domain.GroupChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, domain.ChannelNotFoundf("channel %s does not exist", id)
	}
	return cloneChannel(c), nil
}

func (s *fakeChannelStore) Save(_ context.Context, channel *domain.GroupChannel, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflictsRemaining > 0 {
		s.conflictsRemaining--
		return domain.OptimisticConflictf("simulated concurrent writer")
	}

	existing, ok := s.channels[channel.ID]
	if ok && existing.Version != expectedVersion {
		return domain.OptimisticConflictf("channel %s was modified concurrently", channel.ID)
	}

	s.channels[channel.ID] = cloneChannel(channel)
	return nil
}

func (s *fakeChannelStore) FindByMembership(_ context.Context, userID uuid.UUID, page domain.PageRequest) (domain.Slice[domain.GroupChannelProfile], error) {
	if err := page.Validate(); err != nil {
		return domain.Slice[domain.GroupChannelProfile]{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []domain.GroupChannelProfile
	for _, c := range s.channels {
		if c.IsMember(userID) && !c.UpdatedAt.Before(page.Since) {
			matches = append(matches, domain.NewGroupChannelProfile(c))
		}
	}

	start := page.Page * page.Size
	if start >= len(matches) {
		return domain.Slice[domain.GroupChannelProfile]{CurrentPage: page.Page, PageSize: page.Size}, nil
	}
	end := start + page.Size
	hasNext := end < len(matches)
	if end > len(matches) {
		end = len(matches)
	}
	return domain.Slice[domain.GroupChannelProfile]{
		CurrentPage: page.Page,
		PageSize:    page.Size,
		HasNext:     hasNext,
		Items:       matches[start:end],
	}, nil
}

func TestChannelService_CreateChannel(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	users := newFakeUserStore(alice)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	profile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
	require.NoError(t, err)
	assert.Equal(t, "Room", profile.Name)
	assert.Len(t, profile.Members, 1)
}

func TestChannelService_CreateChannel_RejectsUnknownUser(t *testing.T) {
	svc, err := New(newFakeChannelStore(), newFakeUserStore(), nil, nil)
	require.NoError(t, err)

	_, err = svc.CreateChannel(context.Background(), uuid.Must(uuid.NewV7()).String(), "Room")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUserNotFound))
}

func TestChannelService_InviteAcceptFlow(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	bob := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "bob"}
	users := newFakeUserStore(alice, bob)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	profile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
	require.NoError(t, err)

	msg, err := svc.InviteToChannel(context.Background(), alice.ID.String(), bob.ID.String(), profile.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageInvite, msg.Kind)

	msg, err = svc.AcceptInvitation(context.Background(), bob.ID.String(), profile.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageJoin, msg.Kind)

	got, err := svc.GetChannelProfile(context.Background(), bob.ID.String(), profile.ID.String())
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestChannelService_RetriesOnceOnOptimisticConflict(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	bob := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "bob"}
	users := newFakeUserStore(alice, bob)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	profile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
	require.NoError(t, err)

	channels.mu.Lock()
	channels.conflictsRemaining = 1
	channels.mu.Unlock()

	msg, err := svc.InviteToChannel(context.Background(), alice.ID.String(), bob.ID.String(), profile.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageInvite, msg.Kind)
}

func TestChannelService_GivesUpAfterMaxOptimisticAttempts(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	bob := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "bob"}
	users := newFakeUserStore(alice, bob)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	profile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
	require.NoError(t, err)

	channels.mu.Lock()
	channels.conflictsRemaining = maxOptimisticAttempts
	channels.mu.Unlock()

	_, err = svc.InviteToChannel(context.Background(), alice.ID.String(), bob.ID.String(), profile.ID.String())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindOptimisticConflict))
}

func TestChannelService_GetChannelProfile_RejectsNonMember(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	bob := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "bob"}
	users := newFakeUserStore(alice, bob)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	profile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
	require.NoError(t, err)

	_, err = svc.GetChannelProfile(context.Background(), bob.ID.String(), profile.ID.String())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidOperation))
}

func TestChannelService_GetAllChannels_Pages(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	users := newFakeUserStore(alice)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Room")
		require.NoError(t, err)
	}

	page, err := svc.GetAllChannels(context.Background(), alice.ID.String(), domain.PageRequest{Page: 0, Size: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasNext)
}

func TestChannelService_GetAllChannels_FiltersBySince(t *testing.T) {
	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	users := newFakeUserStore(alice)
	channels := newFakeChannelStore()
	svc, err := New(channels, users, nil, nil)
	require.NoError(t, err)

	oldProfile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "Old Room")
	require.NoError(t, err)

	channels.mu.Lock()
	channels.channels[oldProfile.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	channels.mu.Unlock()

	newProfile, err := svc.CreateChannel(context.Background(), alice.ID.String(), "New Room")
	require.NoError(t, err)

	page, err := svc.GetAllChannels(context.Background(), alice.ID.String(),
		domain.PageRequest{Page: 0, Size: 10, Since: time.Now().Add(-1 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, newProfile.ID, page.Items[0].ID)
}

func TestChannelService_InviteToChannel_RejectsMalformedID(t *testing.T) {
	svc, err := New(newFakeChannelStore(), newFakeUserStore(), nil, nil)
	require.NoError(t, err)

	_, err = svc.InviteToChannel(context.Background(), "not-a-uuid", "also-not", "nope")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
