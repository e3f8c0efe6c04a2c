// Package session is the client's top-level orchestration: it owns the active
// conversation, routes socket events to the store and the chat list, and runs sends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/client/attachment"
	"marketplace-chat/internal/client/chaterr"
	"marketplace-chat/internal/client/chatlist"
	"marketplace-chat/internal/client/presence"
	"marketplace-chat/internal/client/rooms"
	"marketplace-chat/internal/client/store"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/protocol"
)

// Defaults for Config fields left zero.
const (
	DefaultAckTimeout      = 15 * time.Second
	DefaultStallAfter      = 5 * time.Second
	DefaultHistoryPageSize = 20
	DefaultFetchTimeout    = 20 * time.Second
)

var (
	ErrNoSelection = chaterr.E(chaterr.Validation, "send", errors.New("no conversation is selected"))
	ErrEmptyDraft  = chaterr.E(chaterr.Validation, "send", errors.New(protocol.ErrMsgEmptyMessage))
	ErrAckTimeout  = errors.New("the message was not confirmed in time")
)

// Transport is the socket session as seen by the controller. *socket.Session implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Emit(event string, data any) error
	Request(ctx context.Context, event string, params, out any) error
	On(event string, fn func(json.RawMessage)) func()
	OnConnect(fn func()) func()
	OnDisconnect(fn func(error)) func()
}

// Config tunes a Controller.
type Config struct {
	// UserID is the authenticated viewer.
	UserID          string
	AckTimeout      time.Duration
	StallAfter      time.Duration
	HistoryPageSize int
	// FetchTimeout bounds refreshes started by socket events.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.StallAfter <= 0 {
		c.StallAfter = DefaultStallAfter
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = DefaultHistoryPageSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Selection is the conversation on screen: a chat, or a peer with no chat yet.
type Selection struct {
	ChatID string
	PeerID string
	Name   string
}

// Key is the store timeline key of the selection.
func (s Selection) Key() string {
	switch {
	case s.ChatID != "":
		return s.ChatID
	case s.PeerID != "":
		return store.PeerKey(s.PeerID)
	default:
		return ""
	}
}

// Pending reports operations in flight.
type Pending struct {
	LoadingMessages     bool
	LoadingMoreMessages bool
	LoadingList         bool
	Sending             bool
	Uploading           bool
}

type pendingCounts struct {
	messages, moreMessages, list, sending, uploading int
}

// EventKind classifies controller notifications.
type EventKind int

const (
	MessagesChanged EventKind = iota
	ListChanged
	PendingChanged
	ConnectionChanged
	Failed
)

// Event is delivered to subscribers. Err is set for Failed.
type Event struct {
	Kind   EventKind
	ChatID string
	Err    error
}

// Controller is safe for concurrent use. Subscribers are called without locks held and
// may call back into the controller.
type Controller struct {
	cfg      Config
	tr       Transport
	uploads  *attachment.Pipeline
	logger   zerolog.Logger
	rooms    *rooms.Coordinator
	presence *presence.Tracker
	store    *store.Store
	list     *chatlist.Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// switchMu keeps sel, the joined conversation room and the active timeline moving together.
	switchMu sync.Mutex

	mu          sync.Mutex
	sel         Selection
	pending     pendingCounts
	listeners   map[uint64]func(Event)
	nextID      uint64
	unsub       []func()
	skipConnect bool
	closed      bool
}

// New wires the client components over tr. uploads may be nil when attachments are not used.
func New(tr Transport, uploads *attachment.Pipeline, cfg Config, logger zerolog.Logger) *Controller {
	logger = logger.With().Str("component", "session").Logger()
	src := remote{tr: tr}
	coordinator := rooms.New(tr, logger)
	tracker := presence.New(tr, coordinator, tr.Connected())
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg.withDefaults(),
		tr:        tr,
		uploads:   uploads,
		logger:    logger,
		rooms:     coordinator,
		presence:  tracker,
		store:     store.New(src),
		list:      chatlist.New(src, tracker, logger),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uint64]func(Event)),
	}
}

// Start subscribes to socket events, connects if needed and loads the chat list.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.skipConnect = !c.tr.Connected()
	c.unsub = append(c.unsub,
		c.tr.On(protocol.EventMessage, c.onMessage),
		c.tr.On(protocol.EventChatListUpdated, func(json.RawMessage) { c.background(c.refreshQuietly) }),
		c.tr.On(protocol.EventMessageDeleted, c.onMessageDeleted),
		c.tr.On(protocol.EventError, c.onError),
		c.tr.OnConnect(c.onConnect),
		c.tr.OnDisconnect(func(err error) {
			c.logger.Warn().Err(err).Msg("disconnected")
			c.notify(Event{Kind: ConnectionChanged})
		}),
	)
	c.mu.Unlock()
	c.presence.OnChange(func(string, bool) { c.notify(Event{Kind: ListChanged}) })

	c.rooms.JoinUserRoom(c.cfg.UserID)
	if !c.tr.Connected() {
		if err := c.tr.Connect(ctx); err != nil {
			return err
		}
	}
	return c.Refresh(ctx)
}

// Close unsubscribes and waits for background refreshes. The transport stays open.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	c.presence.Close()
	c.cancel()
	c.wg.Wait()
}

// Subscribe registers fn for controller events.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Select makes item the active conversation. Selecting a conversation joins its room,
// clears its unread badge and loads its newest history page; selecting a peer leaves any
// conversation room. A nil item clears the selection.
func (c *Controller) Select(ctx context.Context, item chatlist.Item) error {
	var sel Selection
	switch v := item.(type) {
	case *chatlist.ConversationItem:
		sel = Selection{ChatID: v.ChatID, PeerID: v.UserID, Name: v.DisplayName}
	case *chatlist.PeerItem:
		sel = Selection{PeerID: v.UserID, Name: v.DisplayName}
	}

	c.switchMu.Lock()
	c.mu.Lock()
	c.sel = sel
	c.mu.Unlock()
	c.rooms.Switch(sel.ChatID)
	c.store.SetActive(sel.Key())
	c.switchMu.Unlock()
	c.notify(Event{Kind: MessagesChanged, ChatID: sel.ChatID})
	if sel.ChatID == "" {
		return nil
	}

	c.list.MarkRead(sel.ChatID)
	c.notify(Event{Kind: ListChanged})
	c.background(func(ctx context.Context) { c.markRead(ctx, sel.ChatID) })

	c.track(func(p *pendingCounts) *int { return &p.messages }, 1)
	err := c.store.LoadInitial(ctx, sel.ChatID, c.cfg.HistoryPageSize)
	c.track(func(p *pendingCounts) *int { return &p.messages }, -1)
	return c.settleLoad(sel.ChatID, "load messages", err)
}

// LoadOlder fetches the page of history before the oldest held message.
func (c *Controller) LoadOlder(ctx context.Context) error {
	sel := c.Active()
	if sel.ChatID == "" || !c.store.HasMoreHistory(sel.ChatID) {
		return nil
	}
	c.track(func(p *pendingCounts) *int { return &p.moreMessages }, 1)
	err := c.store.LoadOlder(ctx, sel.ChatID, c.cfg.HistoryPageSize)
	c.track(func(p *pendingCounts) *int { return &p.moreMessages }, -1)
	return c.settleLoad(sel.ChatID, "load older messages", err)
}

func (c *Controller) settleLoad(chatID, op string, err error) error {
	switch {
	case err == nil:
		c.notify(Event{Kind: MessagesChanged, ChatID: chatID})
		return nil
	case errors.Is(err, store.ErrStale):
		return nil
	case errors.Is(err, chaterr.NotFound):
		c.background(c.refreshQuietly)
	}
	c.logger.Warn().Err(err).Str("chat_id", chatID).Msg(op)
	c.notify(Event{Kind: Failed, ChatID: chatID, Err: err})
	return err
}

// SendText sends text to the active conversation.
func (c *Controller) SendText(ctx context.Context, text string) (models.Message, error) {
	return c.send(ctx, models.Message{Content: strings.TrimSpace(text)})
}

// SendImage uploads att and sends it to the active conversation. The local blob is
// released only once the message is acknowledged; after any failure att can be sent
// again, reusing a completed upload.
func (c *Controller) SendImage(ctx context.Context, att *attachment.Attachment, progress attachment.ProgressFunc) (models.Message, error) {
	if att == nil || att.Kind != attachment.Image {
		return models.Message{}, chaterr.Errorf(chaterr.Validation, "send image", "not an image attachment")
	}
	res, err := c.upload(ctx, att, progress)
	if err != nil {
		return models.Message{}, err
	}
	return c.sendAttachment(ctx, att, models.Message{ImageURL: res.URL})
}

// SendAudio uploads a recorded voice note and sends it with its duration.
func (c *Controller) SendAudio(ctx context.Context, att *attachment.Attachment, progress attachment.ProgressFunc) (models.Message, error) {
	if att == nil || att.Kind != attachment.Audio {
		return models.Message{}, chaterr.Errorf(chaterr.Validation, "send audio", "not an audio attachment")
	}
	res, err := c.upload(ctx, att, progress)
	if err != nil {
		return models.Message{}, err
	}
	return c.sendAttachment(ctx, att, models.Message{AudioURL: res.URL, Duration: res.Duration})
}

func (c *Controller) sendAttachment(ctx context.Context, att *attachment.Attachment, draft models.Message) (models.Message, error) {
	msg, err := c.send(ctx, draft)
	if err != nil {
		return models.Message{}, err
	}
	att.Release()
	return msg, nil
}

func (c *Controller) upload(ctx context.Context, att *attachment.Attachment, progress attachment.ProgressFunc) (attachment.Result, error) {
	if c.Active().Key() == "" {
		return attachment.Result{}, ErrNoSelection
	}
	c.track(func(p *pendingCounts) *int { return &p.uploading }, 1)
	res, err := att.Send(ctx, progress)
	c.track(func(p *pendingCounts) *int { return &p.uploading }, -1)
	if err != nil {
		c.notify(Event{Kind: Failed, Err: err})
	}
	return res, err
}

// send inserts an optimistic draft, requests sendMessage and settles the draft with the ack.
func (c *Controller) send(ctx context.Context, draft models.Message) (models.Message, error) {
	sel := c.Active()
	if sel.PeerID == "" {
		return models.Message{}, ErrNoSelection
	}
	if !draft.HasBody() {
		return models.Message{}, ErrEmptyDraft
	}
	draft.ChatID = sel.ChatID
	draft.SenderID = c.cfg.UserID
	draft.ReceiverID = sel.PeerID

	correlationID := c.store.InsertOptimistic(sel.Key(), draft)
	c.notify(Event{Kind: MessagesChanged, ChatID: sel.ChatID})
	c.track(func(p *pendingCounts) *int { return &p.sending }, 1)
	defer c.track(func(p *pendingCounts) *int { return &p.sending }, -1)

	stall := time.AfterFunc(c.cfg.StallAfter, func() {
		if c.store.MarkStalled(correlationID) {
			c.notify(Event{Kind: MessagesChanged, ChatID: sel.ChatID})
		}
	})
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	var saved models.Message
	err := c.tr.Request(reqCtx, protocol.EventSendMessage, protocol.SendMessageRequest{
		ChatID:     sel.ChatID,
		ReceiverID: sel.PeerID,
		Content:    draft.Content,
		ImageURL:   draft.ImageURL,
		AudioURL:   draft.AudioURL,
		Duration:   draft.Duration,
	}, &saved)
	stall.Stop()
	cancel()

	if err != nil {
		c.store.Fail(correlationID)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = chaterr.E(chaterr.Transport, protocol.EventSendMessage, ErrAckTimeout)
		}
		if errors.Is(err, chaterr.NotFound) {
			c.background(c.refreshQuietly)
		}
		c.logger.Warn().Err(err).Str("chat_id", sel.ChatID).Str("peer_id", sel.PeerID).Msg("send failed")
		c.notify(Event{Kind: MessagesChanged, ChatID: sel.ChatID})
		c.notify(Event{Kind: Failed, ChatID: sel.ChatID, Err: err})
		return models.Message{}, err
	}

	if sel.ChatID == "" && saved.ChatID != "" {
		c.adopt(sel.PeerID, saved.ChatID)
	}
	c.store.Reconcile(correlationID, saved)
	if sel.ChatID == "" {
		c.list.Transition(sel.PeerID, saved)
		c.background(c.refreshQuietly)
	}
	c.notify(Event{Kind: MessagesChanged, ChatID: saved.ChatID})
	c.notify(Event{Kind: ListChanged})
	return saved, nil
}

// adopt moves a peer selection onto the chat created for it.
func (c *Controller) adopt(peerID, chatID string) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.store.Rekey(store.PeerKey(peerID), chatID)

	c.mu.Lock()
	switchRoom := c.sel.ChatID == "" && c.sel.PeerID == peerID
	if switchRoom {
		c.sel.ChatID = chatID
	}
	c.mu.Unlock()

	if switchRoom {
		c.rooms.Switch(chatID)
	}
}

// DeleteMessage deletes messageID of the active conversation for both participants.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	sel := c.Active()
	if sel.ChatID == "" {
		return ErrNoSelection
	}
	err := c.tr.Request(ctx, protocol.EventDeleteMessage, protocol.MessageRef{ChatID: sel.ChatID, MessageID: messageID}, nil)
	if err != nil && !errors.Is(err, chaterr.NotFound) {
		c.notify(Event{Kind: Failed, ChatID: sel.ChatID, Err: err})
		return err
	}
	if c.store.Remove(sel.ChatID, messageID) {
		c.notify(Event{Kind: MessagesChanged, ChatID: sel.ChatID})
	}
	if err != nil {
		c.background(c.refreshQuietly)
	}
	return err
}

// Refresh reloads the chat list.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.loadList(func() error { return c.list.Refresh(ctx) })
}

// SetSearch filters the chat list by display name. Callers debounce.
func (c *Controller) SetSearch(ctx context.Context, q string) error {
	return c.loadList(func() error { return c.list.SetSearch(ctx, q) })
}

// LoadMoreChats appends the next page of conversations.
func (c *Controller) LoadMoreChats(ctx context.Context) error {
	return c.loadList(func() error { return c.list.LoadMore(ctx) })
}

func (c *Controller) loadList(fn func() error) error {
	c.track(func(p *pendingCounts) *int { return &p.list }, 1)
	err := fn()
	c.track(func(p *pendingCounts) *int { return &p.list }, -1)
	if err != nil {
		c.notify(Event{Kind: Failed, Err: err})
		return err
	}
	if chatID := c.Active().ChatID; chatID != "" {
		c.list.MarkRead(chatID)
	}
	c.notify(Event{Kind: ListChanged})
	return nil
}

// Messages is the active conversation's timeline, oldest first.
func (c *Controller) Messages() []store.Entry {
	return c.store.Messages(c.Active().Key())
}

// Items is the merged chat list.
func (c *Controller) Items() []chatlist.Item {
	return c.list.Items()
}

// Sections is the chat list split into conversations and peers.
func (c *Controller) Sections() ([]chatlist.ConversationItem, []chatlist.PeerItem) {
	return c.list.Sections()
}

// Active is the current selection.
func (c *Controller) Active() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// HasMoreHistory reports whether older messages may exist for the active conversation.
func (c *Controller) HasMoreHistory() bool {
	sel := c.Active()
	return sel.ChatID != "" && c.store.HasMoreHistory(sel.ChatID)
}

// Pending reports operations in flight.
func (c *Controller) Pending() Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Pending{
		LoadingMessages:     c.pending.messages > 0,
		LoadingMoreMessages: c.pending.moreMessages > 0,
		LoadingList:         c.pending.list > 0,
		Sending:             c.pending.sending > 0,
		Uploading:           c.pending.uploading > 0,
	}
}

// Connected reports the socket state.
func (c *Controller) Connected() bool {
	return c.presence.Connected()
}

// Online reports the last known presence of userID.
func (c *Controller) Online(userID string) bool {
	return c.presence.IsOnline(userID)
}

// Attachments is the pipeline used to capture images and voice notes, or nil.
func (c *Controller) Attachments() *attachment.Pipeline {
	return c.uploads
}

// onMessage runs on the socket read goroutine.
func (c *Controller) onMessage(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ChatID == "" {
		c.logger.Warn().Err(err).Msg("dropping malformed message event")
		return
	}

	sel := c.Active()
	if sel.ChatID == "" && sel.PeerID != "" && msg.ChatID != "" &&
		(msg.SenderID == sel.PeerID || msg.ReceiverID == sel.PeerID) {
		c.adopt(sel.PeerID, msg.ChatID)
		c.list.Transition(sel.PeerID, msg)
		sel = c.Active()
	}

	if msg.ChatID == sel.ChatID {
		c.store.InsertLive(msg)
		c.list.ApplyLive(msg, c.cfg.UserID)
		c.list.MarkRead(msg.ChatID)
		if msg.SenderID != c.cfg.UserID {
			c.background(func(ctx context.Context) { c.markRead(ctx, msg.ChatID) })
		}
		c.notify(Event{Kind: MessagesChanged, ChatID: msg.ChatID})
		c.notify(Event{Kind: ListChanged})
		return
	}

	if !c.list.ApplyLive(msg, c.cfg.UserID) {
		c.background(c.refreshQuietly)
		return
	}
	c.notify(Event{Kind: ListChanged})
}

func (c *Controller) onMessageDeleted(data json.RawMessage) {
	var ref protocol.MessageRef
	if err := json.Unmarshal(data, &ref); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed messageDeleted event")
		return
	}
	if c.store.Remove(ref.ChatID, ref.MessageID) {
		c.notify(Event{Kind: MessagesChanged, ChatID: ref.ChatID})
	}
}

// onError handles failures of emits, such as a join the server refused.
func (c *Controller) onError(data json.RawMessage) {
	var notice protocol.ErrorNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed error event")
		return
	}
	err := chaterr.FromAck(protocol.EventJoin, notice.Message)
	c.logger.Warn().Str("room", notice.Room).Str("message", notice.Message).Msg("server rejected emit")

	chatID := ""
	if kind, id, ok := protocol.ParseRoom(notice.Room); ok && kind == "chat" {
		chatID = id
		if id == c.Active().ChatID {
			c.background(c.refreshQuietly)
		}
	}
	c.notify(Event{Kind: Failed, ChatID: chatID, Err: err})
}

// onConnect runs after rooms were resynced. The first connect is covered by Start.
func (c *Controller) onConnect() {
	c.mu.Lock()
	skip := c.skipConnect
	c.skipConnect = false
	c.mu.Unlock()

	c.notify(Event{Kind: ConnectionChanged})
	if skip {
		return
	}
	c.background(func(ctx context.Context) {
		c.refreshQuietly(ctx)
		chatID := c.Active().ChatID
		if chatID == "" {
			return
		}
		c.track(func(p *pendingCounts) *int { return &p.messages }, 1)
		err := c.store.LoadInitial(ctx, chatID, c.cfg.HistoryPageSize)
		c.track(func(p *pendingCounts) *int { return &p.messages }, -1)
		_ = c.settleLoad(chatID, "reload messages after reconnect", err)
	})
}

func (c *Controller) refreshQuietly(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("background refresh failed")
	}
}

func (c *Controller) markRead(ctx context.Context, chatID string) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := c.tr.Request(ctx, protocol.EventMarkRead, protocol.ChatRef{ChatID: chatID}, &out); err != nil {
		c.logger.Debug().Err(err).Str("chat_id", chatID).Msg("mark read failed")
	}
}

// background runs fn with a bounded context until Close.
func (c *Controller) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Controller) track(field func(*pendingCounts) *int, delta int) {
	c.mu.Lock()
	*field(&c.pending) += delta
	c.mu.Unlock()
	c.notify(Event{Kind: PendingChanged})
}

func (c *Controller) notify(ev Event) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
