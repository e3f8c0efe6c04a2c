package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/protocol"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
)

const (
	defaultChatPageSize    = 20
	maxChatPageSize        = 50
	defaultPeerLimit       = 50
	maxPeerLimit           = 200
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

// requestError is a failure whose text is safe to send back in an ack.
type requestError struct{ message string }

func (e *requestError) Error() string { return e.message }

func reject(message string) error { return &requestError{message: message} }

// Dispatcher executes socket frames on behalf of one client.
type Dispatcher struct {
	hub      *Hub
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	users    repositories.UserRepository
	presence presence.Registry
	audit    *telemetry.Auditor
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(hub *Hub, chats repositories.ChatRepository, messages repositories.MessageRepository, users repositories.UserRepository, registry presence.Registry, audit *telemetry.Auditor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		chats:    chats,
		messages: messages,
		users:    users,
		presence: registry,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

type requestHandler func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

func (d *Dispatcher) handlers() map[string]requestHandler {
	return map[string]requestHandler{
		protocol.EventGetChats:      d.getChats,
		protocol.EventGetPeers:      d.getPeers,
		protocol.EventGetMessages:   d.getMessages,
		protocol.EventSendMessage:   d.sendMessage,
		protocol.EventCreateChat:    d.createChat,
		protocol.EventMarkRead:      d.markRead,
		protocol.EventDeleteMessage: d.deleteMessage,
	}
}

// Dispatch runs one frame. Emits (join, leave) have no ack; requests are always acked.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, f protocol.Frame) {
	switch f.Event {
	case protocol.EventJoin:
		d.join(ctx, c, f.Data)
		return
	case protocol.EventLeave:
		var req protocol.RoomRequest
		if err := json.Unmarshal(f.Data, &req); err == nil {
			d.hub.Leave(req.Room, c)
		}
		return
	}

	handler, ok := d.handlers()[f.Event]
	if !ok {
		if f.ID != "" {
			c.enqueue(protocol.Failure(f.ID, "unknown event "+f.Event))
		}
		return
	}
	if f.ID == "" {
		c.logger.Debug().Str("event", f.Event).Msg("request without id ignored")
		return
	}

	ctx, span := otel.Tracer("marketplace-chat/ws").Start(ctx, "ws."+f.Event, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("chat.user_id", c.info.UserID))
	defer span.End()

	start := d.now()
	result, err := handler(ctx, c, f.Data)
	if err != nil {
		message := d.ackMessage(c, f.Event, err)
		span.SetStatus(codes.Error, message)
		observability.ObserveSocketRequest(f.Event, "error", time.Since(start))
		c.enqueue(protocol.Failure(f.ID, message))
		return
	}

	raw, err := protocol.Success(f.ID, result)
	if err != nil {
		d.logger.Error().Err(err).Str("event", f.Event).Msg("encode ack")
		c.enqueue(protocol.Failure(f.ID, protocol.ErrMsgInternal))
		return
	}
	observability.ObserveSocketRequest(f.Event, "ok", time.Since(start))
	c.enqueue(raw)
}

func (d *Dispatcher) ackMessage(c *Client, event string, err error) string {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.message
	case errors.Is(err, repositories.ErrChatNotFound):
		return protocol.ErrMsgChatNotFound
	case errors.Is(err, repositories.ErrMessageNotFound):
		return protocol.ErrMsgMessageNotFound
	case errors.Is(err, repositories.ErrSelfChat):
		return protocol.ErrMsgSelfChat
	default:
		c.logger.Error().Err(err).Str("event", event).Msg("socket request failed")
		return protocol.ErrMsgInternal
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return reject(protocol.ErrMsgBadRequest)
	}
	return nil
}

func (d *Dispatcher) join(ctx context.Context, c *Client, data json.RawMessage) {
	var req protocol.RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.notifyError(c, "", protocol.ErrMsgBadRequest)
		return
	}
	kind, id, ok := protocol.ParseRoom(req.Room)
	if !ok {
		d.notifyError(c, req.Room, protocol.ErrMsgRoomForbidden)
		return
	}

	switch kind {
	case "user":
		if id != c.info.UserID {
			d.notifyError(c, req.Room, protocol.ErrMsgRoomForbidden)
			return
		}
	case "chat":
		member, err := d.chats.IsParticipant(ctx, id, c.info.UserID)
		if err != nil {
			c.logger.Error().Err(err).Str("room", req.Room).Msg("room membership check failed")
			d.notifyError(c, req.Room, protocol.ErrMsgInternal)
			return
		}
		if !member {
			d.notifyError(c, req.Room, protocol.ErrMsgRoomForbidden)
			return
		}
	}
	d.hub.Join(req.Room, c)
}

func (d *Dispatcher) notifyError(c *Client, room, message string) {
	raw, err := protocol.Encode(protocol.EventError, protocol.ErrorNotice{Room: room, Message: message})
	if err == nil {
		c.enqueue(raw)
	}
}

func (d *Dispatcher) getChats(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	req := protocol.ListChatsRequest{Page: 1, Limit: defaultChatPageSize}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Page < 1 {
		req.Page = 1
	}
	req.Limit = clamp(req.Limit, defaultChatPageSize, maxChatPageSize)

	summaries, hasMore, err := d.chats.ListChats(ctx, c.info.UserID, req.Page, req.Limit, strings.TrimSpace(req.Search))
	if err != nil {
		return nil, err
	}

	peerIDs := make([]string, 0, len(summaries))
	for _, s := range summaries {
		peerIDs = append(peerIDs, s.PeerID)
	}
	directory, online := d.lookup(ctx, peerIDs)

	items := make([]models.EnhancedChatItem, 0, len(summaries))
	for _, s := range summaries {
		peer := directory[s.PeerID]
		lastAt, updatedAt := s.LastAt, s.UpdatedAt
		items = append(items, models.EnhancedChatItem{
			Type:            models.ItemTypeChat,
			ID:              s.ChatID,
			UserID:          s.PeerID,
			ChatID:          s.ChatID,
			DisplayName:     displayName(peer, s.PeerID),
			Role:            peer.Role,
			IsOnline:        online[s.PeerID],
			LastMessage:     s.LastMessage,
			LastMessageTime: &lastAt,
			UnreadCount:     s.UnreadCount,
			UpdatedAt:       &updatedAt,
		})
	}
	return models.ChatPage{Items: items, HasMore: hasMore}, nil
}

func (d *Dispatcher) getPeers(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	req := protocol.ListPeersRequest{Limit: defaultPeerLimit}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	req.Limit = clamp(req.Limit, defaultPeerLimit, maxPeerLimit)

	peers, err := d.users.ListPeers(ctx, c.info.UserID, models.VisibleRoles(c.info.Role), strings.TrimSpace(req.Search), req.Limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	online := d.onlineSet(ctx, ids)

	items := make([]models.EnhancedChatItem, 0, len(peers))
	for _, p := range peers {
		items = append(items, models.EnhancedChatItem{
			Type:        models.ItemTypeUser,
			ID:          p.ID,
			UserID:      p.ID,
			DisplayName: displayName(p, p.ID),
			Role:        p.Role,
			IsOnline:    online[p.ID],
		})
	}
	return items, nil
}

func (d *Dispatcher) getMessages(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req protocol.GetMessagesRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ChatID == "" {
		return nil, reject(protocol.ErrMsgBadRequest)
	}
	if _, err := d.memberChat(ctx, req.ChatID, c.info.UserID); err != nil {
		return nil, err
	}

	msgs, err := d.messages.ListMessages(ctx, req.ChatID, clamp(req.Limit, defaultHistoryPageSize, maxHistoryPageSize), req.BeforeMessageID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req protocol.SendMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	draft := models.Message{
		Content:  strings.TrimSpace(req.Content),
		ImageURL: req.ImageURL,
		AudioURL: req.AudioURL,
		Duration: req.Duration,
	}
	if !draft.HasBody() {
		return nil, reject(protocol.ErrMsgEmptyMessage)
	}
	if draft.Duration < 0 {
		draft.Duration = 0
	}

	senderID := c.info.UserID
	var chat models.Chat
	if req.ChatID != "" {
		var err error
		chat, err = d.memberChat(ctx, req.ChatID, senderID)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		chat, err = d.openChat(ctx, c, req.ReceiverID)
		if err != nil {
			return nil, err
		}
	}

	draft.ChatID = chat.ID
	draft.SenderID = senderID
	draft.ReceiverID = chat.PeerOf(senderID)

	saved, err := d.messages.CreateMessage(ctx, draft)
	if err != nil {
		return nil, err
	}
	if err := d.chats.TouchChat(ctx, chat.ID, saved.Timestamp); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", chat.ID).Msg("touch chat failed")
	}

	observability.IncMessageCreated(messageKind(saved))
	// The user rooms carry the message to participants without the chat open: list
	// previews, unread badges and a peer selected before the chat existed. The hub
	// delivers once per socket even when it sits in several of these rooms.
	d.hub.Broadcast(protocol.EventMessage, saved, ChatRoom(chat.ID), UserRoom(saved.SenderID), UserRoom(saved.ReceiverID))
	d.hub.Broadcast(protocol.EventChatListUpdated, nil, UserRoom(saved.SenderID), UserRoom(saved.ReceiverID))

	_ = observability.Publish(ctx, observability.RoutingMessages, observability.Event{
		Name:    "message_created",
		ActorID: saved.SenderID,
		Data: messageCreated{
			ChatID:     saved.ChatID,
			MessageID:  saved.ID,
			ReceiverID: saved.ReceiverID,
			Kind:       messageKind(saved),
		},
	}, c.info.Trace())

	return saved, nil
}

func (d *Dispatcher) createChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req protocol.CreateChatRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return d.openChat(ctx, c, req.ReceiverID)
}

// openChat returns the chat between the client and receiverID, creating it when missing.
func (d *Dispatcher) openChat(ctx context.Context, c *Client, receiverID string) (models.Chat, error) {
	if receiverID == "" {
		return models.Chat{}, reject(protocol.ErrMsgBadRequest)
	}
	if receiverID == c.info.UserID {
		return models.Chat{}, reject(protocol.ErrMsgSelfChat)
	}
	chat, created, err := d.chats.CreateOrGetChat(ctx, c.info.UserID, receiverID)
	if err != nil {
		return models.Chat{}, err
	}
	if created {
		d.audit.Record(ctx, telemetry.AuditRecord{
			Action:    telemetry.AuditChatCreated,
			ActorID:   c.info.UserID,
			ChatID:    chat.ID,
			TargetID:  receiverID,
			RequestID: c.info.Meta.RequestID,
		})
		_ = observability.Publish(ctx, observability.RoutingChats, observability.Event{
			Name:    "chat_created",
			ActorID: c.info.UserID,
			Data:    chatCreated{ChatID: chat.ID, Participants: chat.ParticipantIDs()},
		}, c.info.Trace())
	}
	return chat, nil
}

func (d *Dispatcher) markRead(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req protocol.ChatRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ChatID == "" {
		return nil, reject(protocol.ErrMsgBadRequest)
	}
	if _, err := d.memberChat(ctx, req.ChatID, c.info.UserID); err != nil {
		return nil, err
	}
	updated, err := d.messages.MarkRead(ctx, req.ChatID, c.info.UserID)
	if err != nil {
		return nil, err
	}
	if updated > 0 {
		d.hub.Broadcast(protocol.EventChatListUpdated, nil, UserRoom(c.info.UserID))
	}
	return map[string]int64{"updated": updated}, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req protocol.MessageRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, reject(protocol.ErrMsgBadRequest)
	}
	msg, err := d.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedForAll || (req.ChatID != "" && msg.ChatID != req.ChatID) {
		return nil, reject(protocol.ErrMsgMessageNotFound)
	}
	if msg.SenderID != c.info.UserID {
		return nil, reject(protocol.ErrMsgForbidden)
	}
	if err := d.messages.DeleteMessageForAll(ctx, msg.ID, c.info.UserID); err != nil {
		return nil, err
	}

	ref := protocol.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID}
	d.hub.Broadcast(protocol.EventMessageDeleted, ref, ChatRoom(msg.ChatID), UserRoom(msg.SenderID), UserRoom(msg.ReceiverID))
	d.hub.Broadcast(protocol.EventChatListUpdated, nil, UserRoom(msg.SenderID), UserRoom(msg.ReceiverID))
	d.audit.Record(ctx, telemetry.AuditRecord{
		Action:    telemetry.AuditMessageDeleted,
		ActorID:   c.info.UserID,
		ChatID:    msg.ChatID,
		TargetID:  msg.ID,
		RequestID: c.info.Meta.RequestID,
	})
	return ref, nil
}

// memberChat loads chatID and checks that userID takes part in it.
func (d *Dispatcher) memberChat(ctx context.Context, chatID, userID string) (models.Chat, error) {
	chat, err := d.chats.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, reject(protocol.ErrMsgForbidden)
	}
	return chat, nil
}

// lookup enriches peer ids with directory entries and presence. Both are best effort.
func (d *Dispatcher) lookup(ctx context.Context, ids []string) (map[string]models.User, map[string]bool) {
	directory := make(map[string]models.User, len(ids))
	if len(ids) > 0 {
		users, err := d.users.BulkUsers(ctx, ids)
		if err != nil {
			d.logger.Warn().Err(err).Msg("user directory lookup failed")
		}
		for _, u := range users {
			directory[u.ID] = u
		}
	}
	return directory, d.onlineSet(ctx, ids)
}

func (d *Dispatcher) onlineSet(ctx context.Context, ids []string) map[string]bool {
	if len(ids) == 0 {
		return map[string]bool{}
	}
	online, err := d.presence.Online(ctx, ids)
	if err != nil {
		d.logger.Warn().Err(err).Msg("presence lookup failed")
		return map[string]bool{}
	}
	return online
}

func displayName(u models.User, fallback string) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return fallback
}

type messageCreated struct {
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id"`
	ReceiverID string `json:"receiver_id"`
	Kind       string `json:"kind"`
}

type chatCreated struct {
	ChatID       string   `json:"chat_id"`
	Participants []string `json:"participants"`
}

func messageKind(m models.Message) string {
	switch {
	case m.AudioURL != "":
		return "audio"
	case m.ImageURL != "":
		return "image"
	default:
		return "text"
	}
}

func clamp(v, def, ceiling int) int {
	if v <= 0 {
		return def
	}
	if v > ceiling {
		return ceiling
	}
	return v
}
