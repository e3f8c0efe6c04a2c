package session

import (
	"context"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/protocol"
)

// remote answers store and chat list fetches with socket requests.
type remote struct {
	tr Transport
}

func (r remote) FetchHistory(ctx context.Context, chatID string, limit int, before string) ([]models.Message, error) {
	var out []models.Message
	err := r.tr.Request(ctx, protocol.EventGetMessages, protocol.GetMessagesRequest{
		ChatID:          chatID,
		Limit:           limit,
		BeforeMessageID: before,
	}, &out)
	return out, err
}

func (r remote) ListChats(ctx context.Context, page, limit int, search string) (models.ChatPage, error) {
	var out models.ChatPage
	err := r.tr.Request(ctx, protocol.EventGetChats, protocol.ListChatsRequest{Page: page, Limit: limit, Search: search}, &out)
	return out, err
}

func (r remote) ListPeers(ctx context.Context, search string, limit int) ([]models.EnhancedChatItem, error) {
	var out []models.EnhancedChatItem
	err := r.tr.Request(ctx, protocol.EventGetPeers, protocol.ListPeersRequest{Search: search, Limit: limit}, &out)
	return out, err
}
