// Package store is the transactional Channel Store: it persists the
// GroupChannel aggregate behind optimistic concurrency control, and backs
// the user-lookups the service layer needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/nats-chat-group-channel-service/internal/domain"
)

// ChannelStore loads and saves GroupChannel aggregates.
type ChannelStore interface {
	// FindByID loads a channel by id, or returns a KindChannelNotFound error.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.GroupChannel, error)

	// Save persists channel inside a transaction, enforcing that the row's
	// version still matches expectedVersion. A channel with no stored row
	// yet is inserted. For an existing row, zero rows affected on the
	// channels UPDATE means someone else advanced the version first, and
	// Save returns a KindOptimisticConflict error so the caller can retry.
	Save(ctx context.Context, channel *domain.GroupChannel, expectedVersion int64) error

	// FindByMembership returns a page of channels the given user belongs
	// to, updated no earlier than page.Since, ordered by most recently
	// updated first.
	FindByMembership(ctx context.Context, userID uuid.UUID, page domain.PageRequest) (domain.Slice[domain.GroupChannelProfile], error)
}

// PostgresChannelStore is the ChannelStore backed by database/sql.
type PostgresChannelStore struct {
	db *sql.DB
}

// NewPostgresChannelStore wraps an already-connected *sql.DB.
func NewPostgresChannelStore(db *sql.DB) *PostgresChannelStore {
	return &PostgresChannelStore{db: db}
}

func (s *PostgresChannelStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.GroupChannel, error) {
	var channel domain.GroupChannel
	var lastMessageID uuid.NullUUID
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, updated_at, version, last_message_id FROM channels WHERE id = $1", id)
	if err := row.Scan(&channel.ID, &channel.Name, &channel.UpdatedAt, &channel.Version, &lastMessageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ChannelNotFoundf("channel %s does not exist", id)
		}
		return nil, fmt.Errorf("find channel by id: %w", err)
	}

	members, err := s.loadUserSet(ctx, "channel_members", id)
	if err != nil {
		return nil, err
	}
	channel.Members = members

	invited, err := s.loadUserSet(ctx, "channel_invites", id)
	if err != nil {
		return nil, err
	}
	channel.Invited = invited

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	channel.Messages = messages
	if lastMessageID.Valid && len(messages) > 0 {
		last := messages[len(messages)-1]
		channel.LastMessage = &last
	}

	return &channel, nil
}

func (s *PostgresChannelStore) loadUserSet(ctx context.Context, table string, channelID uuid.UUID) (map[uuid.UUID]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT u.id, u.username FROM %s m JOIN users u ON u.id = m.user_id WHERE m.channel_id = $1`, table),
		channelID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	set := map[uuid.UUID]domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		set[u.ID] = u
	}
	return set, rows.Err()
}

func (s *PostgresChannelStore) loadMessages(ctx context.Context, channelID uuid.UUID) ([]domain.GroupMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.from_user, u.username, m.kind, m.payload, m.created_at
		   FROM channel_messages m
		   LEFT JOIN users u ON u.id = m.from_user
		  WHERE m.channel_id = $1
		  ORDER BY m.created_at ASC`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.GroupMessage
	for rows.Next() {
		var msg domain.GroupMessage
		var fromID uuid.NullUUID
		var fromName sql.NullString
		if err := rows.Scan(&msg.ID, &fromID, &fromName, &msg.Kind, &msg.Payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ChannelID = channelID
		if fromID.Valid {
			msg.FromUser = &domain.User{ID: fromID.UUID, Username: fromName.String}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Save replaces a channel's membership/invite sets and appends any new
// messages, gated by expectedVersion. Grounded on the BeginTx / ExecContext /
// Commit shape used for room creation, generalized to an upsert-and-diff
// over a mutated in-memory aggregate instead of a single INSERT.
func (s *PostgresChannelStore) Save(ctx context.Context, channel *domain.GroupChannel, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastMessageID uuid.NullUUID
	if channel.LastMessage != nil {
		lastMessageID = uuid.NullUUID{UUID: channel.LastMessage.ID, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE channels SET name = $1, updated_at = $2, version = $3, last_message_id = $4
		  WHERE id = $5 AND version = $6`,
		channel.Name, channel.UpdatedAt, channel.Version, lastMessageID, channel.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		exists, existsErr := channelExists(ctx, tx, channel.ID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			if err := s.insertNewChannel(ctx, tx, channel); err != nil {
				return err
			}
		} else {
			return domain.OptimisticConflictf("channel %s was modified concurrently", channel.ID)
		}
	}

	if err := replaceUserSet(ctx, tx, "channel_members", channel.ID, channel.Members); err != nil {
		return err
	}
	if err := replaceUserSet(ctx, tx, "channel_invites", channel.ID, channel.Invited); err != nil {
		return err
	}
	if err := insertNewMessages(ctx, tx, channel); err != nil {
		return err
	}

	return tx.Commit()
}

func channelExists(ctx context.Context, tx *sql.Tx, id uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM channels WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel existence: %w", err)
	}
	return exists, nil
}

func (s *PostgresChannelStore) insertNewChannel(ctx context.Context, tx *sql.Tx, channel *domain.GroupChannel) error {
	var lastMessageID uuid.NullUUID
	if channel.LastMessage != nil {
		lastMessageID = uuid.NullUUID{UUID: channel.LastMessage.ID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id, name, updated_at, version, last_message_id) VALUES ($1, $2, $3, $4, $5)`,
		channel.ID, channel.Name, channel.UpdatedAt, channel.Version, lastMessageID)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func replaceUserSet(ctx context.Context, tx *sql.Tx, table string, channelID uuid.UUID, users map[uuid.UUID]domain.User) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE channel_id = $1", table), channelID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for userID := range users {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (channel_id, user_id) VALUES ($1, $2)", table),
			channelID, userID); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func insertNewMessages(ctx context.Context, tx *sql.Tx, channel *domain.GroupChannel) error {
	for _, msg := range channel.Messages {
		var fromID uuid.NullUUID
		if msg.FromUser != nil {
			fromID = uuid.NullUUID{UUID: msg.FromUser.ID, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_messages (id, channel_id, from_user, kind, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			msg.ID, channel.ID, fromID, msg.Kind, msg.Payload, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// FindByMembership pages through a user's channels updated at or after
// page.Since, fetching page.Size+1 rows to detect HasNext without a COUNT
// query, the way the history lookup this is grounded on avoids one.
func (s *PostgresChannelStore) FindByMembership(ctx context.Context, userID uuid.UUID, page domain.PageRequest) (domain.Slice[domain.GroupChannelProfile], error) {
	if err := page.Validate(); err != nil {
		return domain.Slice[domain.GroupChannelProfile]{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.updated_at, c.version
		   FROM channels c
		   JOIN channel_members m ON m.channel_id = c.id
		  WHERE m.user_id = $1 AND c.updated_at >= $2
		  ORDER BY c.updated_at DESC
		  LIMIT $3 OFFSET $4`,
		userID, page.Since, page.Size+1, page.Page*page.Size)
	if err != nil {
		return domain.Slice[domain.GroupChannelProfile]{}, fmt.Errorf("find by membership: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	type partial struct {
		id        uuid.UUID
		name      string
		updatedAt any
		version   int64
	}
	var partials []partial
	for rows.Next() {
		var p partial
		if err := rows.Scan(&p.id, &p.name, &p.updatedAt, &p.version); err != nil {
			return domain.Slice[domain.GroupChannelProfile]{}, fmt.Errorf("scan channel row: %w", err)
		}
		partials = append(partials, p)
		ids = append(ids, p.id)
	}
	if err := rows.Err(); err != nil {
		return domain.Slice[domain.GroupChannelProfile]{}, err
	}

	hasNext := len(partials) > page.Size
	if hasNext {
		partials = partials[:page.Size]
		ids = ids[:page.Size]
	}

	items := make([]domain.GroupChannelProfile, 0, len(partials))
	for _, id := range ids {
		channel, err := s.FindByID(ctx, id)
		if err != nil {
			return domain.Slice[domain.GroupChannelProfile]{}, err
		}
		items = append(items, domain.NewGroupChannelProfile(channel))
	}

	return domain.Slice[domain.GroupChannelProfile]{
		CurrentPage: page.Page,
		PageSize:    page.Size,
		HasNext:     hasNext,
		Items:       items,
	}, nil
}
