package models

import "time"

// Item types carried by EnhancedChatItem.Type.
const (
	ItemTypeUser = "user"
	ItemTypeChat = "chat"
)

// EnhancedChatItem is the wire form of one chat list row. A "user" row is an
// addressable peer without a conversation and never carries a ChatID.
type EnhancedChatItem struct {
	Type            string     `json:"type"`
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	ChatID          string     `json:"chatId,omitempty"`
	DisplayName     string     `json:"displayName"`
	Role            string     `json:"role,omitempty"`
	IsOnline        bool       `json:"isOnline"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int        `json:"unreadCount"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// ChatPage is one page of the conversation list.
type ChatPage struct {
	Items   []EnhancedChatItem `json:"items"`
	HasMore bool               `json:"hasMore"`
}
