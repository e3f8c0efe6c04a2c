package models

import (
	"strings"
	"time"
)

// Message represents a chat message.
type Message struct {
	ID            string    `db:"id" json:"id"`
	ChatID        string    `db:"chat_id" json:"chatId,omitempty"`
	SenderID      string    `db:"sender_id" json:"senderId"`
	ReceiverID    string    `db:"receiver_id" json:"receiverId"`
	Content       string    `db:"content" json:"content,omitempty"`
	ImageURL      string    `db:"image_url" json:"imageUrl,omitempty"`
	AudioURL      string    `db:"audio_url" json:"audioUrl,omitempty"`
	Duration      int       `db:"duration" json:"duration,omitempty"`
	Timestamp     time.Time `db:"created_at" json:"timestamp"`
	IsRead        bool      `db:"is_read" json:"isRead"`
	DeletedForAll bool      `db:"deleted_for_all" json:"-"`
	Seq           int64     `db:"seq" json:"-"`
}

// HasBody reports whether at least one of content, image or audio is set.
func (m Message) HasBody() bool {
	return strings.TrimSpace(m.Content) != "" || m.ImageURL != "" || m.AudioURL != ""
}

// Preview is the one-line text shown in conversation lists.
func (m Message) Preview() string {
	switch {
	case strings.TrimSpace(m.Content) != "":
		return m.Content
	case m.ImageURL != "":
		return "Image"
	case m.AudioURL != "":
		return "Voice message"
	default:
		return ""
	}
}
