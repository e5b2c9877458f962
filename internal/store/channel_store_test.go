package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-group-channel-service/internal/domain"
	"github.com/example/nats-chat-group-channel-service/internal/store/storetest"
)

func TestPostgresChannelStore_SaveAndFindByID(t *testing.T) {
	db := storetest.OpenTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", uuid.Must(uuid.NewV7()).String(), "placeholder")
	require.NoError(t, err)

	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	_, err = db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", alice.ID, alice.Username)
	require.NoError(t, err)

	channel, err := domain.Create(alice, "General")
	require.NoError(t, err)

	channelStore := NewPostgresChannelStore(db)
	require.NoError(t, channelStore.Save(ctx, channel, 0))

	loaded, err := channelStore.FindByID(ctx, channel.ID)
	require.NoError(t, err)
	require.Equal(t, channel.Name, loaded.Name)
	require.True(t, loaded.IsMember(alice.ID))
	require.EqualValues(t, channel.Version, loaded.Version)
	require.Len(t, loaded.Messages, 1)
	require.Equal(t, domain.MessageCreate, loaded.LastMessage.Kind)
}

func TestPostgresChannelStore_Save_DetectsOptimisticConflict(t *testing.T) {
	db := storetest.OpenTestDB(t)
	ctx := context.Background()

	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	_, err := db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", alice.ID, alice.Username)
	require.NoError(t, err)

	channel, err := domain.Create(alice, "General")
	require.NoError(t, err)
	channelStore := NewPostgresChannelStore(db)
	require.NoError(t, channelStore.Save(ctx, channel, 0))

	// Simulate a concurrent writer advancing the row out from under us: save
	// again with the stale (pre-create) expected version.
	bob := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "bob"}
	_, err = db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", bob.ID, bob.Username)
	require.NoError(t, err)

	require.NoError(t, domain.Invite(channel, alice, bob))
	require.NoError(t, channelStore.Save(ctx, channel, 1))

	stale, err := domain.Create(alice, "General")
	require.NoError(t, err)
	stale.ID = channel.ID
	err = channelStore.Save(ctx, stale, 0)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindOptimisticConflict))
}

func TestPostgresChannelStore_FindByMembership_Pages(t *testing.T) {
	db := storetest.OpenTestDB(t)
	ctx := context.Background()

	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	_, err := db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", alice.ID, alice.Username)
	require.NoError(t, err)

	channelStore := NewPostgresChannelStore(db)
	for i := 0; i < 3; i++ {
		channel, err := domain.Create(alice, "Room")
		require.NoError(t, err)
		require.NoError(t, channelStore.Save(ctx, channel, 0))
	}

	page, err := channelStore.FindByMembership(ctx, alice.ID, domain.PageRequest{Page: 0, Size: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasNext)

	page, err = channelStore.FindByMembership(ctx, alice.ID, domain.PageRequest{Page: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasNext)
}

func TestPostgresChannelStore_FindByMembership_FiltersBySince(t *testing.T) {
	db := storetest.OpenTestDB(t)
	ctx := context.Background()

	alice := domain.User{ID: uuid.Must(uuid.NewV7()), Username: "alice"}
	_, err := db.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $2)", alice.ID, alice.Username)
	require.NoError(t, err)

	channelStore := NewPostgresChannelStore(db)

	oldChannel, err := domain.Create(alice, "Old Room")
	require.NoError(t, err)
	require.NoError(t, channelStore.Save(ctx, oldChannel, 0))
	_, err = db.ExecContext(ctx, "UPDATE channels SET updated_at = $1 WHERE id = $2",
		time.Now().Add(-48*time.Hour), oldChannel.ID)
	require.NoError(t, err)

	newChannel, err := domain.Create(alice, "New Room")
	require.NoError(t, err)
	require.NoError(t, channelStore.Save(ctx, newChannel, 0))

	page, err := channelStore.FindByMembership(ctx, alice.ID,
		domain.PageRequest{Page: 0, Size: 10, Since: time.Now().Add(-1 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, newChannel.ID, page.Items[0].ID)
}
