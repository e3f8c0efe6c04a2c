package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-chat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the read side of the user/role directory.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	BulkUsers(ctx context.Context, ids []string) ([]models.User, error)
	ListPeers(ctx context.Context, viewerID string, roles []string, search string, limit int) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches one directory entry.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT id, display_name, role FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// BulkUsers fetches multiple users in one query.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT id, display_name, role FROM users WHERE id = ANY($1)`, pq.Array(ids))
	return users, err
}

// ListPeers returns users the viewer may start a chat with: matching one of roles
// (any role when roles is empty) and not already sharing a chat with the viewer.
func (r *UserRepo) ListPeers(ctx context.Context, viewerID string, roles []string, search string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT u.id, u.display_name, u.role FROM users u
        WHERE u.id <> $1
        AND (COALESCE(cardinality($2::text[]), 0) = 0 OR u.role = ANY($2::text[]))
        AND ($3 = '' OR u.display_name ILIKE '%' || $3 || '%')
        AND NOT EXISTS (
            SELECT 1 FROM chats c JOIN messages m ON m.chat_id = c.id AND m.deleted_for_all = FALSE
            WHERE (c.user1_id=$1 AND c.user2_id=u.id) OR (c.user2_id=$1 AND c.user1_id=u.id)
        )
        ORDER BY lower(u.display_name) ASC
        LIMIT $4`
	var users []models.User
	err := r.db.SelectContext(ctx, &users, query, viewerID, pq.Array(roles), search, limit)
	return users, err
}
