package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/client/attachment"
	"marketplace-chat/internal/client/chaterr"
	"marketplace-chat/internal/client/chatlist"
	"marketplace-chat/internal/client/store"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/protocol"
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type emitted struct {
	event string
	room  string
}

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	emits        []emitted
	requests     map[string]int
	handlers     map[string]handlerFunc
	on           map[string][]func(json.RawMessage)
	onConnect    []func()
	onDisconnect []func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		requests:  make(map[string]int),
		handlers:  make(map[string]handlerFunc),
		on:        make(map[string][]func(json.RawMessage)),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.reconnect()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return chaterr.E(chaterr.Transport, event, fmt.Errorf("not connected"))
	}
	req, _ := data.(protocol.RoomRequest)
	f.emits = append(f.emits, emitted{event: event, room: req.Room})
	return nil
}

func (f *fakeTransport) Request(ctx context.Context, event string, params, out any) error {
	f.mu.Lock()
	f.requests[event]++
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	raw, _ := json.Marshal(params)
	res, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if out != nil && res != nil {
		b, _ := json.Marshal(res)
		return json.Unmarshal(b, out)
	}
	return nil
}

func (f *fakeTransport) On(event string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on[event] = append(f.on[event], fn)
	return func() {}
}

func (f *fakeTransport) OnConnect(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, fn)
	return func() {}
}

func (f *fakeTransport) OnDisconnect(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, fn)
	return func() {}
}

func (f *fakeTransport) handle(event string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	f.mu.Lock()
	fns := append([]func(json.RawMessage){}, f.on[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	f.connected = false
	fns := append([]func(error){}, f.onDisconnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(fmt.Errorf("connection reset"))
	}
}

func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	f.connected = true
	fns := append([]func(){}, f.onConnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[event]
}

func (f *fakeTransport) roomEmits() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) resetEmits() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = nil
}

type fixture struct {
	tr    *fakeTransport
	ctrl  *Controller
	mu    sync.Mutex
	chats []models.EnhancedChatItem
	peers []models.EnhancedChatItem
	pages map[string][]models.Message
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fx := &fixture{tr: newFakeTransport(), pages: make(map[string][]models.Message)}
	fx.tr.handle(protocol.EventGetChats, func(context.Context, json.RawMessage) (any, error) {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return models.ChatPage{Items: append([]models.EnhancedChatItem{}, fx.chats...)}, nil
	})
	fx.tr.handle(protocol.EventGetPeers, func(context.Context, json.RawMessage) (any, error) {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return append([]models.EnhancedChatItem{}, fx.peers...), nil
	})
	fx.tr.handle(protocol.EventGetMessages, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req protocol.GetMessagesRequest
		_ = json.Unmarshal(raw, &req)
		fx.mu.Lock()
		defer fx.mu.Unlock()
		page, ok := fx.pages[req.ChatID]
		if !ok {
			return nil, chaterr.FromAck(protocol.EventGetMessages, protocol.ErrMsgChatNotFound)
		}
		return page, nil
	})

	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	fx.ctrl = New(fx.tr, nil, cfg, zerolog.Nop())
	t.Cleanup(fx.ctrl.Close)
	return fx
}

func (fx *fixture) setChats(items ...models.EnhancedChatItem) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.chats = items
}

func conv(chatID, userID, name string, unread int, at time.Time) models.EnhancedChatItem {
	return models.EnhancedChatItem{
		Type: models.ItemTypeChat, ID: chatID, ChatID: chatID, UserID: userID, DisplayName: name,
		UnreadCount: unread, UpdatedAt: &at, LastMessageTime: &at, LastMessage: "hi",
	}
}

func peer(userID, name string) models.EnhancedChatItem {
	return models.EnhancedChatItem{Type: models.ItemTypeUser, ID: userID, UserID: userID, DisplayName: name}
}

func msg(id, chatID, sender, receiver string, at time.Time) models.Message {
	return models.Message{ID: id, ChatID: chatID, SenderID: sender, ReceiverID: receiver, Content: "text " + id, Timestamp: at}
}

func find(items []chatlist.Item, key string) chatlist.Item {
	for _, it := range items {
		if it.Key() == key {
			return it
		}
	}
	return nil
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestStart_JoinsUserRoomAndLoadsList(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("c1", "u1", "Ana", 2, t0))
	fx.peers = []models.EnhancedChatItem{peer("u1", "Ana"), peer("u2", "Sam")}

	require.NoError(t, fx.ctrl.Start(context.Background()))

	assert.Equal(t, []emitted{{protocol.EventJoin, "user:me"}}, fx.tr.roomEmits())
	convs, peers := fx.ctrl.Sections()
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ChatID)
	require.Len(t, peers, 1, "peers with a conversation are dropped")
	assert.Equal(t, "u2", peers[0].UserID)
	assert.False(t, fx.ctrl.Pending().LoadingList)
}

func TestSendToPeer_TransitionsListItem(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.peers = []models.EnhancedChatItem{peer("u2", "Sam")}
	require.NoError(t, fx.ctrl.Start(context.Background()))

	canonical := models.Message{ID: "m1", ChatID: "c1", SenderID: "me", ReceiverID: "u2", Content: "hello", Timestamp: t0}
	fx.tr.handle(protocol.EventSendMessage, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req protocol.SendMessageRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "", req.ChatID)
		assert.Equal(t, "u2", req.ReceiverID)
		assert.Equal(t, "hello", req.Content)

		entries := fx.ctrl.Messages()
		require.Len(t, entries, 1)
		assert.Equal(t, store.Pending, entries[0].Status)
		assert.True(t, fx.ctrl.Pending().Sending)

		row := conv("c1", "u2", "Sam", 0, t0)
		row.LastMessage = "hello"
		fx.setChats(row)
		return canonical, nil
	})

	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "u2")))
	assert.Equal(t, Selection{PeerID: "u2", Name: "Sam"}, fx.ctrl.Active())

	got, err := fx.ctrl.SendText(context.Background(), "  hello ")
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, got.ID)

	assert.Equal(t, "c1", fx.ctrl.Active().ChatID)
	entries := fx.ctrl.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, store.Confirmed, entries[0].Status)
	assert.Equal(t, "m1", entries[0].Message.ID)

	items := fx.ctrl.Items()
	require.Len(t, items, 1)
	item, ok := items[0].(*chatlist.ConversationItem)
	require.True(t, ok, "the peer row became a conversation row")
	assert.Equal(t, "c1", item.ChatID)
	assert.Equal(t, "hello", item.LastMessage)
	assert.True(t, item.LastMessageTime.Equal(t0))

	assert.Contains(t, fx.tr.roomEmits(), emitted{protocol.EventJoin, "chat:c1"})
	assert.Eventually(t, func() bool { return fx.tr.count(protocol.EventGetChats) >= 2 }, time.Second, 5*time.Millisecond,
		"a transition schedules a list refresh")
	assert.False(t, fx.ctrl.Pending().Sending)
}

func TestSend_BroadcastBeforeAckIsNotDuplicated(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.peers = []models.EnhancedChatItem{peer("u2", "Sam")}
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "u2")))

	canonical := models.Message{ID: "m1", ChatID: "c1", SenderID: "me", ReceiverID: "u2", Content: "hello", Timestamp: t0}
	fx.tr.handle(protocol.EventSendMessage, func(context.Context, json.RawMessage) (any, error) {
		fx.setChats(conv("c1", "u2", "Sam", 0, t0))
		fx.tr.push(t, protocol.EventMessage, canonical)
		return canonical, nil
	})

	_, err := fx.ctrl.SendText(context.Background(), "hello")
	require.NoError(t, err)

	entries := fx.ctrl.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, store.Confirmed, entries[0].Status)
	_, isConv := find(fx.ctrl.Items(), "c1").(*chatlist.ConversationItem)
	assert.True(t, isConv)
}

func TestSend_AckTimeoutRemovesDraft(t *testing.T) {
	fx := newFixture(t, Config{AckTimeout: 200 * time.Millisecond, StallAfter: 10 * time.Millisecond})
	fx.setChats(conv("c1", "u1", "Ana", 0, t0))
	fx.pages["c1"] = nil
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))

	var (
		mu     sync.Mutex
		failed []error
	)
	fx.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == Failed {
			mu.Lock()
			failed = append(failed, ev.Err)
			mu.Unlock()
		}
	})

	fx.tr.handle(protocol.EventSendMessage, func(ctx context.Context, _ json.RawMessage) (any, error) {
		assert.Eventually(t, func() bool {
			entries := fx.ctrl.Messages()
			return len(entries) == 1 && entries[0].Stalled
		}, time.Second, 2*time.Millisecond, "a slow draft is flagged as still sending")
		<-ctx.Done()
		return nil, chaterr.E(chaterr.Transport, protocol.EventSendMessage, ctx.Err())
	})

	_, err := fx.ctrl.SendText(context.Background(), "anyone?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.ErrorIs(t, err, chaterr.Transport)
	assert.NotEmpty(t, chaterr.UserMessage(err))

	assert.Empty(t, fx.ctrl.Messages(), "the failed draft is removed")
	mu.Lock()
	require.Len(t, failed, 1)
	mu.Unlock()
}

func TestSend_Validation(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, fx.ctrl.Start(context.Background()))

	_, err := fx.ctrl.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoSelection)

	fx.peers = []models.EnhancedChatItem{peer("u2", "Sam")}
	require.NoError(t, fx.ctrl.Refresh(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "u2")))
	_, err = fx.ctrl.SendText(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyDraft)
	assert.ErrorIs(t, err, chaterr.Validation)
	assert.Zero(t, fx.tr.count(protocol.EventSendMessage))
}

func TestSwitching_OnlyLastConversationReceivesLive(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(
		conv("a", "ua", "A", 0, t0),
		conv("b", "ub", "B", 0, t0.Add(-time.Minute)),
		conv("c", "uc", "C", 0, t0.Add(-2*time.Minute)),
	)
	fx.pages["a"] = nil
	fx.pages["b"] = nil
	fx.pages["c"] = []models.Message{msg("c1", "c", "uc", "me", t0)}
	require.NoError(t, fx.ctrl.Start(context.Background()))
	fx.tr.resetEmits()

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, fx.ctrl.Select(ctx, find(fx.ctrl.Items(), key)))
	}

	assert.Equal(t, []emitted{
		{protocol.EventJoin, "chat:a"},
		{protocol.EventLeave, "chat:a"},
		{protocol.EventJoin, "chat:b"},
		{protocol.EventLeave, "chat:b"},
		{protocol.EventJoin, "chat:c"},
	}, fx.tr.roomEmits())

	fx.tr.push(t, protocol.EventMessage, msg("a9", "a", "ua", "me", t0.Add(time.Second)))
	fx.tr.push(t, protocol.EventMessage, msg("c2", "c", "uc", "me", t0.Add(time.Second)))

	entries := fx.ctrl.Messages()
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].Message.ID)
	assert.Equal(t, "c2", entries[1].Message.ID)

	a, ok := fx.ctrl.list.Conversation("a")
	require.True(t, ok)
	assert.Equal(t, 1, a.UnreadCount, "a message for an inactive chat only bumps its badge")
	cRow, _ := fx.ctrl.list.Conversation("c")
	assert.Zero(t, cRow.UnreadCount)
}

func TestLiveMessage_RedeliveryIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("c1", "u1", "Ana", 3, t0))
	fx.pages["c1"] = []models.Message{msg("m2", "c1", "u1", "me", t0), msg("m1", "c1", "me", "u1", t0.Add(-time.Minute))}
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))

	row, _ := fx.ctrl.list.Conversation("c1")
	assert.Zero(t, row.UnreadCount, "selecting clears the badge immediately")

	live := msg("m3", "c1", "u1", "me", t0.Add(time.Minute))
	fx.tr.push(t, protocol.EventMessage, live)
	fx.tr.push(t, protocol.EventMessage, live)

	entries := fx.ctrl.Messages()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{entries[0].Message.ID, entries[1].Message.ID, entries[2].Message.ID})
	assert.Eventually(t, func() bool { return fx.tr.count(protocol.EventMarkRead) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestLoadOlder(t *testing.T) {
	fx := newFixture(t, Config{HistoryPageSize: 2})
	fx.setChats(conv("c1", "u1", "Ana", 0, t0))
	newest := []models.Message{msg("m3", "c1", "u1", "me", t0), msg("m2", "c1", "me", "u1", t0.Add(-time.Minute))}
	older := []models.Message{msg("m1", "c1", "u1", "me", t0.Add(-2*time.Minute))}
	fx.tr.handle(protocol.EventGetMessages, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req protocol.GetMessagesRequest
		_ = json.Unmarshal(raw, &req)
		if req.BeforeMessageID == "m2" {
			return older, nil
		}
		return newest, nil
	})
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))
	assert.True(t, fx.ctrl.HasMoreHistory())

	require.NoError(t, fx.ctrl.LoadOlder(context.Background()))
	assert.False(t, fx.ctrl.HasMoreHistory())
	assert.Len(t, fx.ctrl.Messages(), 3)

	require.NoError(t, fx.ctrl.LoadOlder(context.Background()))
	assert.Equal(t, 2, fx.tr.count(protocol.EventGetMessages), "nothing left to fetch")
}

func TestSelect_StaleChatRefreshesList(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("gone", "u1", "Ana", 0, t0))
	require.NoError(t, fx.ctrl.Start(context.Background()))
	before := fx.tr.count(protocol.EventGetChats)

	err := fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "gone"))
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterr.NotFound)
	assert.Eventually(t, func() bool { return fx.tr.count(protocol.EventGetChats) > before }, time.Second, 5*time.Millisecond)
}

func TestMessageDeleted_RemovesFromTimeline(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("c1", "u1", "Ana", 0, t0))
	fx.pages["c1"] = []models.Message{msg("m2", "c1", "u1", "me", t0), msg("m1", "c1", "me", "u1", t0.Add(-time.Minute))}
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))

	fx.tr.push(t, protocol.EventMessageDeleted, protocol.MessageRef{ChatID: "c1", MessageID: "m2"})
	entries := fx.ctrl.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)

	require.NoError(t, fx.ctrl.DeleteMessage(context.Background(), "m1"))
	assert.Empty(t, fx.ctrl.Messages())
	assert.Equal(t, 1, fx.tr.count(protocol.EventDeleteMessage))
}

func TestReconnect_ResyncsRoomsListAndHistory(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("c1", "u1", "Ana", 0, t0))
	fx.pages["c1"] = []models.Message{msg("m1", "c1", "u1", "me", t0)}
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))
	assert.True(t, fx.ctrl.Connected())

	fx.tr.disconnect()
	assert.False(t, fx.ctrl.Connected())
	fx.tr.resetEmits()
	chats, history := fx.tr.count(protocol.EventGetChats), fx.tr.count(protocol.EventGetMessages)

	fx.mu.Lock()
	fx.pages["c1"] = append([]models.Message{msg("m2", "c1", "u1", "me", t0.Add(time.Minute))}, fx.pages["c1"]...)
	fx.mu.Unlock()
	fx.tr.reconnect()

	assert.Equal(t, []emitted{
		{protocol.EventJoin, "user:me"},
		{protocol.EventJoin, "chat:c1"},
	}, fx.tr.roomEmits())
	assert.Eventually(t, func() bool {
		return fx.tr.count(protocol.EventGetChats) > chats &&
			fx.tr.count(protocol.EventGetMessages) > history &&
			len(fx.ctrl.Messages()) == 2
	}, time.Second, 5*time.Millisecond, "the gap is closed with a fresh load")
}

func TestErrorEvent_SurfacesFailure(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, fx.ctrl.Start(context.Background()))

	var got Event
	fx.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == Failed {
			got = ev
		}
	})
	fx.tr.push(t, protocol.EventError, protocol.ErrorNotice{Room: "chat:x", Message: protocol.ErrMsgRoomForbidden})

	assert.Equal(t, "x", got.ChatID)
	assert.ErrorIs(t, got.Err, chaterr.Permission)
}

type countingUploader struct {
	mu    sync.Mutex
	calls int
}

func (u *countingUploader) Upload(_ context.Context, fileName, _ string, body io.Reader, _ int64, _ attachment.ProgressFunc) (string, error) {
	_, _ = io.Copy(io.Discard, body)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return "https://files.test/" + fileName, nil
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)

func TestSendImage_FailedAckKeepsAttachmentForRetry(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("c1", "u1", "Ana", 0, t0))
	fx.pages["c1"] = nil
	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Select(context.Background(), find(fx.ctrl.Items(), "c1")))

	up := &countingUploader{}
	cfg := attachment.DefaultConfig()
	cfg.TempDir = t.TempDir()
	pipeline := attachment.New(up, nil, cfg, zerolog.Nop())
	att, err := pipeline.SelectImage("cat.png", "image/png", bytes.NewReader(pngBytes))
	require.NoError(t, err)

	fx.tr.handle(protocol.EventSendMessage, func(context.Context, json.RawMessage) (any, error) {
		return nil, chaterr.FromAck(protocol.EventSendMessage, protocol.ErrMsgInternal)
	})
	_, err = fx.ctrl.SendImage(context.Background(), att, nil)
	require.Error(t, err)

	preview, err := att.Preview()
	require.NoError(t, err, "the local image survives a failed send")
	preview.Close()
	assert.Empty(t, fx.ctrl.Messages())

	var sent protocol.SendMessageRequest
	fx.tr.handle(protocol.EventSendMessage, func(_ context.Context, raw json.RawMessage) (any, error) {
		require.NoError(t, json.Unmarshal(raw, &sent))
		return models.Message{ID: "m1", ChatID: "c1", SenderID: "me", ReceiverID: "u1", ImageURL: sent.ImageURL, Timestamp: t0}, nil
	})
	got, err := fx.ctrl.SendImage(context.Background(), att, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://files.test/cat.png", got.ImageURL)
	assert.Equal(t, "https://files.test/cat.png", sent.ImageURL)

	up.mu.Lock()
	assert.Equal(t, 1, up.calls, "the retry reuses the finished upload")
	up.mu.Unlock()
	_, err = os.Stat(att.Path())
	assert.ErrorIs(t, err, os.ErrNotExist, "the blob is released once the message is acknowledged")
}

func TestSelect_ConcurrentSwitchesStayConsistent(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.setChats(conv("a", "ua", "A", 0, t0), conv("b", "ub", "B", 0, t0.Add(-time.Minute)))
	fx.pages["a"] = nil
	fx.pages["b"] = nil
	require.NoError(t, fx.ctrl.Start(context.Background()))
	a, b := find(fx.ctrl.Items(), "a"), find(fx.ctrl.Items(), "b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = fx.ctrl.Select(context.Background(), a) }()
		go func() { defer wg.Done(); _ = fx.ctrl.Select(context.Background(), b) }()
	}
	wg.Wait()

	active := fx.ctrl.Active().ChatID
	require.Contains(t, []string{"a", "b"}, active)
	assert.Equal(t, active, fx.ctrl.rooms.Active())
	assert.Equal(t, active, fx.ctrl.store.Active())
}
