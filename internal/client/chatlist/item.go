// Package chatlist builds the conversation list: existing conversations first,
// then addressable peers that have no conversation yet.
package chatlist

import (
	"fmt"
	"time"

	"marketplace-chat/internal/models"
)

// Item is either a *PeerItem or a *ConversationItem.
type Item interface {
	// Key identifies the row: the chat id of a conversation, the user id of a peer.
	Key() string
	PeerID() string
	Name() string
	item()
}

// PeerItem is an addressable user without a conversation. It never has a chat id.
type PeerItem struct {
	UserID      string
	DisplayName string
	Role        string
	Online      bool
}

func (p *PeerItem) Key() string    { return p.UserID }
func (p *PeerItem) PeerID() string { return p.UserID }
func (p *PeerItem) Name() string   { return p.DisplayName }
func (*PeerItem) item()            {}

// ConversationItem is an existing two-party chat.
type ConversationItem struct {
	ChatID          string
	UserID          string
	DisplayName     string
	Role            string
	Online          bool
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
	UpdatedAt       time.Time
}

func (c *ConversationItem) Key() string    { return c.ChatID }
func (c *ConversationItem) PeerID() string { return c.UserID }
func (c *ConversationItem) Name() string   { return c.DisplayName }
func (*ConversationItem) item()            {}

// FromWire decodes one list row.
func FromWire(w models.EnhancedChatItem) (Item, error) {
	switch w.Type {
	case models.ItemTypeUser:
		if w.ChatID != "" {
			return nil, fmt.Errorf("peer item %s carries chat id %s", w.UserID, w.ChatID)
		}
		return &PeerItem{UserID: w.UserID, DisplayName: w.DisplayName, Role: w.Role, Online: w.IsOnline}, nil
	case models.ItemTypeChat:
		if w.ChatID == "" {
			return nil, fmt.Errorf("conversation item %s has no chat id", w.ID)
		}
		c := &ConversationItem{
			ChatID:      w.ChatID,
			UserID:      w.UserID,
			DisplayName: w.DisplayName,
			Role:        w.Role,
			Online:      w.IsOnline,
			LastMessage: w.LastMessage,
			UnreadCount: w.UnreadCount,
		}
		if w.LastMessageTime != nil {
			c.LastMessageTime = *w.LastMessageTime
		}
		if w.UpdatedAt != nil {
			c.UpdatedAt = *w.UpdatedAt
		} else {
			c.UpdatedAt = c.LastMessageTime
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown item type %q", w.Type)
	}
}
