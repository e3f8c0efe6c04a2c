package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/protocol"
	"marketplace-chat/internal/repositories"
)

type dispatcherFixture struct {
	hub      *Hub
	chats    *mocks.ChatRepositoryMock
	messages *mocks.MessageRepositoryMock
	users    *mocks.UserRepositoryMock
	presence *mocks.PresenceRegistryMock
	d        *Dispatcher
}

func newFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		hub:      NewHub(zerolog.Nop()),
		chats:    new(mocks.ChatRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		presence: new(mocks.PresenceRegistryMock),
	}
	f.d = NewDispatcher(f.hub, f.chats, f.messages, f.users, f.presence, nil, zerolog.Nop())
	return f
}

func (f *dispatcherFixture) connect(userID, role string) *Client {
	c := testClient(userID)
	c.info.Role = role
	f.hub.Register(c)
	f.hub.Join(UserRoom(userID), c)
	return c
}

func request(t *testing.T, event, id string, data any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(event, data)
	require.NoError(t, err)
	f.ID = id
	return f
}

func ackFor(t *testing.T, frames []protocol.Frame, id string) protocol.Frame {
	t.Helper()
	for _, f := range frames {
		if f.Event == protocol.EventAck && f.ID == id {
			return f
		}
	}
	t.Fatalf("no ack for %s in %v", id, events(frames))
	return protocol.Frame{}
}

func TestJoinUserRoomOnlyForSelf(t *testing.T) {
	f := newFixture()
	c := testClient("u1")
	f.hub.Register(c)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventJoin, "", protocol.RoomRequest{Room: UserRoom("u1")}))
	assert.True(t, f.hub.InRoom(UserRoom("u1"), c))

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventJoin, "", protocol.RoomRequest{Room: UserRoom("u2")}))
	assert.False(t, f.hub.InRoom(UserRoom("u2"), c))

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.EventError, frames[0].Event)
	var notice protocol.ErrorNotice
	require.NoError(t, json.Unmarshal(frames[0].Data, &notice))
	assert.Equal(t, UserRoom("u2"), notice.Room)
	assert.Equal(t, protocol.ErrMsgRoomForbidden, notice.Message)
}

func TestJoinChatRoomRequiresMembership(t *testing.T) {
	f := newFixture()
	c := testClient("u1")
	f.chats.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
	f.chats.On("IsParticipant", mock.Anything, "c2", "u1").Return(false, nil)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventJoin, "", protocol.RoomRequest{Room: ChatRoom("c1")}))
	f.d.Dispatch(context.Background(), c, request(t, protocol.EventJoin, "", protocol.RoomRequest{Room: ChatRoom("c2")}))

	assert.True(t, f.hub.InRoom(ChatRoom("c1"), c))
	assert.False(t, f.hub.InRoom(ChatRoom("c2"), c))
	assert.Equal(t, []string{protocol.EventError}, events(drain(t, c)))

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventLeave, "", protocol.RoomRequest{Room: ChatRoom("c1")}))
	assert.False(t, f.hub.InRoom(ChatRoom("c1"), c))
}

func TestSendFirstMessageCreatesChatAndNotifiesPeer(t *testing.T) {
	f := newFixture()
	sender := f.connect("u1", models.RoleStudent)
	receiver := f.connect("u2", models.RoleInstructor)

	chat := models.Chat{ID: "c1", User1ID: "u1", User2ID: "u2"}
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.chats.On("CreateOrGetChat", mock.Anything, "u1", "u2").Return(chat, true, nil).Once()
	f.messages.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ChatID == "c1" && m.SenderID == "u1" && m.ReceiverID == "u2" && m.Content == "hello"
	})).Return(models.Message{ID: "m1", ChatID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "hello", Timestamp: stamp}, nil).Once()
	f.chats.On("TouchChat", mock.Anything, "c1", stamp).Return(nil).Once()

	f.d.Dispatch(context.Background(), sender, request(t, protocol.EventSendMessage, "r1", protocol.SendMessageRequest{ReceiverID: "u2", Content: " hello "}))

	frames := drain(t, sender)
	ack := ackFor(t, frames, "r1")
	require.False(t, ack.IsError(), ack.Message)
	var saved models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &saved))
	assert.Equal(t, "m1", saved.ID)
	assert.Equal(t, "c1", saved.ChatID)

	assert.ElementsMatch(t, []string{protocol.EventMessage, protocol.EventChatListUpdated}, events(drain(t, receiver)))
	f.chats.AssertExpectations(t)
	f.messages.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventSendMessage, "r1", protocol.SendMessageRequest{ReceiverID: "u2", Content: "   "}))
	f.d.Dispatch(context.Background(), c, request(t, protocol.EventSendMessage, "r2", protocol.SendMessageRequest{ReceiverID: "u1", Content: "me"}))

	frames := drain(t, c)
	assert.Equal(t, protocol.ErrMsgEmptyMessage, ackFor(t, frames, "r1").Message)
	assert.Equal(t, protocol.ErrMsgSelfChat, ackFor(t, frames, "r2").Message)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestSendToUnknownChat(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)
	f.chats.On("GetChat", mock.Anything, "gone").Return(nil, repositories.ErrChatNotFound)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventSendMessage, "r1", protocol.SendMessageRequest{ChatID: "gone", Content: "hi"}))

	assert.Equal(t, protocol.ErrMsgChatNotFound, ackFor(t, drain(t, c), "r1").Message)
}

func TestGetMessagesRejectsOutsiders(t *testing.T) {
	f := newFixture()
	c := f.connect("u3", models.RoleStudent)
	f.chats.On("GetChat", mock.Anything, "c1").Return(models.Chat{ID: "c1", User1ID: "u1", User2ID: "u2"}, nil)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventGetMessages, "r1", protocol.GetMessagesRequest{ChatID: "c1", Limit: 20}))

	assert.Equal(t, protocol.ErrMsgForbidden, ackFor(t, drain(t, c), "r1").Message)
	f.messages.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMessagesPassesCursor(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)
	f.chats.On("GetChat", mock.Anything, "c1").Return(models.Chat{ID: "c1", User1ID: "u1", User2ID: "u2"}, nil)
	f.messages.On("ListMessages", mock.Anything, "c1", 5, "m20").Return([]models.Message{{ID: "m19"}, {ID: "m18"}}, nil)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventGetMessages, "r1", protocol.GetMessagesRequest{ChatID: "c1", Limit: 5, BeforeMessageID: "m20"}))

	var msgs []models.Message
	require.NoError(t, json.Unmarshal(ackFor(t, drain(t, c), "r1").Data, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "m19", msgs[0].ID)
}

func TestGetChatsEnrichesItems(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.chats.On("ListChats", mock.Anything, "u1", 1, 20, "").Return([]models.ChatSummary{
		{ChatID: "c1", PeerID: "u2", LastMessage: "hi", LastAt: at, UnreadCount: 2, UpdatedAt: at},
	}, true, nil)
	f.users.On("BulkUsers", mock.Anything, []string{"u2"}).Return([]models.User{{ID: "u2", DisplayName: "Dana", Role: models.RoleInstructor}}, nil)
	f.presence.On("Online", mock.Anything, []string{"u2"}).Return(map[string]bool{"u2": true}, nil)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventGetChats, "r1", protocol.ListChatsRequest{Page: 1}))

	var page models.ChatPage
	require.NoError(t, json.Unmarshal(ackFor(t, drain(t, c), "r1").Data, &page))
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 1)
	item := page.Items[0]
	assert.Equal(t, models.ItemTypeChat, item.Type)
	assert.Equal(t, "c1", item.ChatID)
	assert.Equal(t, "Dana", item.DisplayName)
	assert.True(t, item.IsOnline)
	assert.Equal(t, 2, item.UnreadCount)
}

func TestGetPeersAppliesRoleVisibility(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)
	f.users.On("ListPeers", mock.Anything, "u1", []string{models.RoleInstructor}, "da", defaultPeerLimit).
		Return([]models.User{{ID: "u2", DisplayName: "Dana", Role: models.RoleInstructor}}, nil)
	f.presence.On("Online", mock.Anything, []string{"u2"}).Return(map[string]bool{}, nil)

	f.d.Dispatch(context.Background(), c, request(t, protocol.EventGetPeers, "r1", protocol.ListPeersRequest{Search: "da"}))

	var items []models.EnhancedChatItem
	require.NoError(t, json.Unmarshal(ackFor(t, drain(t, c), "r1").Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemTypeUser, items[0].Type)
	assert.Empty(t, items[0].ChatID)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture()
	owner := f.connect("u1", models.RoleStudent)
	peer := f.connect("u2", models.RoleInstructor)
	msg := models.Message{ID: "m1", ChatID: "c1", SenderID: "u1", ReceiverID: "u2"}
	f.messages.On("GetMessage", mock.Anything, "m1").Return(msg, nil)
	f.messages.On("DeleteMessageForAll", mock.Anything, "m1", "u1").Return(nil).Once()

	f.d.Dispatch(context.Background(), peer, request(t, protocol.EventDeleteMessage, "r1", protocol.MessageRef{ChatID: "c1", MessageID: "m1"}))
	assert.Equal(t, protocol.ErrMsgForbidden, ackFor(t, drain(t, peer), "r1").Message)

	f.d.Dispatch(context.Background(), owner, request(t, protocol.EventDeleteMessage, "r2", protocol.MessageRef{ChatID: "c1", MessageID: "m1"}))
	assert.False(t, ackFor(t, drain(t, owner), "r2").IsError())
	assert.ElementsMatch(t, []string{protocol.EventMessageDeleted, protocol.EventChatListUpdated}, events(drain(t, peer)))
	f.messages.AssertExpectations(t)
}

func TestUnknownRequestIsAcked(t *testing.T) {
	f := newFixture()
	c := f.connect("u1", models.RoleStudent)

	f.d.Dispatch(context.Background(), c, request(t, "shout", "r1", nil))

	assert.True(t, ackFor(t, drain(t, c), "r1").IsError())
}
