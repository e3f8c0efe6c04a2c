package models

import "time"

// Chat represents a private chat between exactly two users.
type Chat struct {
	ID        string    `db:"id" json:"id"`
	User1ID   string    `db:"user1_id" json:"user1Id"`
	User2ID   string    `db:"user2_id" json:"user2Id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ParticipantIDs returns both members of the chat.
func (c Chat) ParticipantIDs() []string {
	return []string{c.User1ID, c.User2ID}
}

// HasParticipant reports whether userID is one of the two members.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// PeerOf returns the other participant from userID's point of view.
func (c Chat) PeerOf(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ChatSummary provides a per-viewer view of a chat for list rendering.
type ChatSummary struct {
	ChatID      string    `db:"id" json:"chatId"`
	PeerID      string    `db:"peer_id" json:"peerId"`
	LastMessage string    `db:"last_message" json:"lastMessage"`
	LastAt      time.Time `db:"last_at" json:"lastAt"`
	UnreadCount int       `db:"unread_count" json:"unreadCount"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}
