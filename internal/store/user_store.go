package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/nats-chat-group-channel-service/internal/domain"
)

// UserStore resolves the user ids the Channel Service orchestrates over.
// User management itself lives outside this subsystem (spec.md §1); this is
// a read-only lookup against the users table.
type UserStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (domain.User, error)
	ExistsByID(ctx context.Context, id uuid.UUID) (bool, error)
}

// PostgresUserStore is the UserStore backed by database/sql.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore wraps an already-connected *sql.DB.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) FindByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, "SELECT id, username FROM users WHERE id = $1", id).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.UserNotFoundf("user %s does not exist", id)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) ExistsByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user existence: %w", err)
	}
	return exists, nil
}
