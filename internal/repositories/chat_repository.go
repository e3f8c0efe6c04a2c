package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrSelfChat     = errors.New("cannot create chat with self")
)

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, userID string, peerID string) (models.Chat, bool, error)
	IsParticipant(ctx context.Context, chatID string, userID string) (bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListChats(ctx context.Context, userID string, page, limit int, search string) ([]models.ChatSummary, bool, error)
	TouchChat(ctx context.Context, chatID string, at time.Time) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateOrGetChat creates a chat between two users if it does not already exist.
// The boolean result reports whether a new chat was created.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, userID string, peerID string) (models.Chat, bool, error) {
	if userID == peerID {
		return models.Chat{}, false, ErrSelfChat
	}
	participants := []string{userID, peerID}
	sort.Strings(participants)
	user1, user2 := participants[0], participants[1]

	const cols = `id, user1_id, user2_id, created_at, updated_at`
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+cols+` FROM chats WHERE user1_id=$1 AND user2_id=$2`, user1, user2)
	if err == nil {
		return chat, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, err
	}

	// A concurrent first message may have inserted the pair already; DO NOTHING then re-read.
	res, err := r.db.ExecContext(ctx, `INSERT INTO chats (id, user1_id, user2_id) VALUES ($1, $2, $3)
        ON CONFLICT (user1_id, user2_id) DO NOTHING`, uuid.NewString(), user1, user2)
	if err != nil {
		return models.Chat{}, false, err
	}
	created, _ := res.RowsAffected()
	if err := r.db.GetContext(ctx, &chat, `SELECT `+cols+` FROM chats WHERE user1_id=$1 AND user2_id=$2`, user1, user2); err != nil {
		return models.Chat{}, false, err
	}
	return chat, created > 0, nil
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, chatID, userID)
	return exists, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, user1_id, user2_id, created_at, updated_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// ListChats returns one page of the user's chats that hold at least one visible message,
// most recently updated first. search filters on the peer's display name.
func (r *ChatRepo) ListChats(ctx context.Context, userID string, page, limit int, search string) ([]models.ChatSummary, bool, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT c.id,
            CASE WHEN c.user1_id=$1 THEN c.user2_id ELSE c.user1_id END AS peer_id,
            c.updated_at,
            COALESCE(last.content, '') AS last_message,
            COALESCE(last.image_url, '') AS image_url,
            COALESCE(last.audio_url, '') AS audio_url,
            COALESCE(last.created_at, c.updated_at) AS last_at,
            (SELECT COUNT(*) FROM messages u WHERE u.chat_id=c.id AND u.receiver_id=$1 AND u.is_read=FALSE AND u.deleted_for_all=FALSE) AS unread_count
        FROM chats c
        JOIN LATERAL (
            SELECT m.content, m.image_url, m.audio_url, m.created_at FROM messages m
            WHERE m.chat_id=c.id AND m.deleted_for_all=FALSE
            ORDER BY m.seq DESC LIMIT 1
        ) last ON TRUE
        LEFT JOIN users p ON p.id = CASE WHEN c.user1_id=$1 THEN c.user2_id ELSE c.user1_id END
        WHERE (c.user1_id=$1 OR c.user2_id=$1)
        AND ($2 = '' OR p.display_name ILIKE '%' || $2 || '%')
        ORDER BY c.updated_at DESC
        LIMIT $3 OFFSET $4`

	rows, err := r.db.QueryxContext(ctx, query, userID, search, limit+1, (page-1)*limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var result []models.ChatSummary
	for rows.Next() {
		var row struct {
			models.ChatSummary
			ImageURL string `db:"image_url"`
			AudioURL string `db:"audio_url"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, false, err
		}
		row.LastMessage = models.Message{Content: row.LastMessage, ImageURL: row.ImageURL, AudioURL: row.AudioURL}.Preview()
		result = append(result, row.ChatSummary)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(result) > limit
	if hasMore {
		result = result[:limit]
	}
	return result, hasMore, nil
}

// TouchChat bumps the chat's updated_at used for list ordering.
func (r *ChatRepo) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chats SET updated_at=$2 WHERE id=$1`, chatID, at)
	return err
}
