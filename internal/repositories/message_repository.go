package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `seq, id, chat_id, sender_id, receiver_id, content, image_url, audio_url, duration, is_read, deleted_for_all, created_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	MarkRead(ctx context.Context, chatID string, readerID string) (int64, error)
	DeleteMessageForAll(ctx context.Context, messageID string, senderID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message; id and timestamp are assigned here.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	err := r.db.GetContext(ctx, &out, `INSERT INTO messages (id, chat_id, sender_id, receiver_id, content, image_url, audio_url, duration)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+messageColumns,
		uuid.NewString(), msg.ChatID, msg.SenderID, msg.ReceiverID, msg.Content, msg.ImageURL, msg.AudioURL, msg.Duration)
	return out, err
}

// ListMessages returns up to limit messages of a chat, newest first. When beforeMessageID
// is set only messages strictly older than it are returned.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []models.Message
	if beforeMessageID == "" {
		err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1 AND deleted_for_all=FALSE
            ORDER BY seq DESC LIMIT $2`, chatID, limit)
		return msgs, err
	}

	var cursor int64
	err := r.db.GetContext(ctx, &cursor, `SELECT seq FROM messages WHERE id=$1 AND chat_id=$2`, beforeMessageID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE chat_id=$1 AND deleted_for_all=FALSE AND seq < $2
        ORDER BY seq DESC LIMIT $3`, chatID, cursor, limit)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead flags every message addressed to readerID in the chat as read.
func (r *MessageRepo) MarkRead(ctx context.Context, chatID string, readerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read=TRUE WHERE chat_id=$1 AND receiver_id=$2 AND is_read=FALSE`, chatID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteMessageForAll marks a message as deleted for everyone.
func (r *MessageRepo) DeleteMessageForAll(ctx context.Context, messageID string, senderID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for_all = TRUE WHERE id=$1 AND sender_id=$2`, messageID, senderID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
