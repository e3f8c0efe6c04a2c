package chatlist

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/models"
)

const (
	DefaultPageSize  = 20
	DefaultPeerLimit = 50
)

// Lister fetches list pages from the gateway.
type Lister interface {
	ListChats(ctx context.Context, page, limit int, search string) (models.ChatPage, error)
	ListPeers(ctx context.Context, search string, limit int) ([]models.EnhancedChatItem, error)
}

// Presence is seeded from refreshes and consulted when items are read.
type Presence interface {
	IsOnline(userID string) bool
	Seed(userID string, online bool)
}

// Aggregator owns the merged list. Its lock is never held across a fetch.
type Aggregator struct {
	src       Lister
	presence  Presence
	pageSize  int
	peerLimit int
	logger    zerolog.Logger

	mu      sync.Mutex
	convs   []*ConversationItem
	peers   []*PeerItem
	items   []Item
	page    int
	hasMore bool
	search  string
	gen     uint64
	read    map[string]struct{}
}

// New builds an empty Aggregator. presence may be nil.
func New(src Lister, presence Presence, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		src:       src,
		presence:  presence,
		pageSize:  DefaultPageSize,
		peerLimit: DefaultPeerLimit,
		logger:    logger,
		read:      make(map[string]struct{}),
	}
}

// Refresh reloads the first page of conversations and the peer feed. A refresh that is
// overtaken by a newer one is dropped.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	gen, search := a.gen, a.search
	a.mu.Unlock()

	page, err := a.src.ListChats(ctx, 1, a.pageSize, search)
	if err != nil {
		return err
	}
	wirePeers, err := a.src.ListPeers(ctx, search, a.peerLimit)
	if err != nil {
		return err
	}
	convs := a.decodeConversations(page.Items)
	peers := a.decodePeers(wirePeers)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return nil
	}
	for _, c := range convs {
		if _, ok := a.read[c.ChatID]; ok {
			c.UnreadCount = 0
		}
	}
	a.read = make(map[string]struct{})
	a.convs, a.peers = convs, peers
	a.page, a.hasMore = 1, page.HasMore
	a.items = Merge(a.convs, a.peers, a.search)
	a.mu.Unlock()

	a.seed(convs, peers)
	return nil
}

// LoadMore appends the next page of conversations.
func (a *Aggregator) LoadMore(ctx context.Context) error {
	a.mu.Lock()
	if !a.hasMore {
		a.mu.Unlock()
		return nil
	}
	gen, next, search := a.gen, a.page+1, a.search
	a.mu.Unlock()

	page, err := a.src.ListChats(ctx, next, a.pageSize, search)
	if err != nil {
		return err
	}
	more := a.decodeConversations(page.Items)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return nil
	}
	held := make(map[string]struct{}, len(a.convs))
	for _, c := range a.convs {
		held[c.ChatID] = struct{}{}
	}
	for _, c := range more {
		if _, dup := held[c.ChatID]; !dup {
			a.convs = append(a.convs, c)
		}
	}
	a.page, a.hasMore = next, page.HasMore
	a.items = Merge(a.convs, a.peers, a.search)
	a.mu.Unlock()

	a.seed(more, nil)
	return nil
}

// SetSearch changes the filter and refreshes. Callers debounce.
func (a *Aggregator) SetSearch(ctx context.Context, q string) error {
	a.mu.Lock()
	a.search = q
	a.mu.Unlock()
	return a.Refresh(ctx)
}

// Search is the current filter.
func (a *Aggregator) Search() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.search
}

// HasMore reports whether more conversation pages exist.
func (a *Aggregator) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

// MarkRead zeroes chatID's unread count locally until the next refresh has applied it.
func (a *Aggregator) MarkRead(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.read[chatID] = struct{}{}
	if c := a.conversationLocked(chatID); c != nil {
		c.UnreadCount = 0
	}
}

// Transition turns the peer row of peerUserID into a conversation row in the same slot,
// using msg (the first acked message). It reports false when there is no peer row to
// transition, so it takes effect at most once per peer.
func (a *Aggregator) Transition(peerUserID string, msg models.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if msg.ChatID == "" {
		return false
	}
	for _, c := range a.convs {
		if c.UserID == peerUserID || c.ChatID == msg.ChatID {
			return false
		}
	}
	slot := -1
	var peer *PeerItem
	for i, it := range a.items {
		if p, ok := it.(*PeerItem); ok && p.UserID == peerUserID {
			slot, peer = i, p
			break
		}
	}
	if peer == nil {
		return false
	}

	conv := &ConversationItem{
		ChatID:          msg.ChatID,
		UserID:          peer.UserID,
		DisplayName:     peer.DisplayName,
		Role:            peer.Role,
		Online:          peer.Online,
		LastMessage:     msg.Preview(),
		LastMessageTime: msg.Timestamp,
		UpdatedAt:       msg.Timestamp,
	}
	a.items[slot] = conv
	a.convs = append(a.convs, conv)
	for i, p := range a.peers {
		if p == peer {
			a.peers = append(a.peers[:i], a.peers[i+1:]...)
			break
		}
	}
	return true
}

// ApplyLive updates preview and unread count of a conversation that is not on screen.
// It reports false when the conversation is not in the list, in which case the caller refreshes.
func (a *Aggregator) ApplyLive(msg models.Message, viewerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.conversationLocked(msg.ChatID)
	if c == nil {
		return false
	}
	c.LastMessage = msg.Preview()
	c.LastMessageTime = msg.Timestamp
	if msg.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msg.Timestamp
	}
	if msg.SenderID != viewerID {
		c.UnreadCount++
	}
	a.items = Merge(a.convs, a.peers, a.search)
	return true
}

// Items returns a snapshot of the merged list with current presence applied.
func (a *Aggregator) Items() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Item, 0, len(a.items))
	for _, it := range a.items {
		switch v := it.(type) {
		case *ConversationItem:
			cp := *v
			cp.Online = a.onlineLocked(cp.UserID, cp.Online)
			out = append(out, &cp)
		case *PeerItem:
			cp := *v
			cp.Online = a.onlineLocked(cp.UserID, cp.Online)
			out = append(out, &cp)
		}
	}
	return out
}

// Sections splits Items into its conversation and peer parts.
func (a *Aggregator) Sections() (convs []ConversationItem, peers []PeerItem) {
	for _, it := range a.Items() {
		switch v := it.(type) {
		case *ConversationItem:
			convs = append(convs, *v)
		case *PeerItem:
			peers = append(peers, *v)
		}
	}
	return convs, peers
}

// Conversation returns a copy of chatID's row.
func (a *Aggregator) Conversation(chatID string) (ConversationItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.conversationLocked(chatID); c != nil {
		return *c, true
	}
	return ConversationItem{}, false
}

func (a *Aggregator) conversationLocked(chatID string) *ConversationItem {
	for _, c := range a.convs {
		if c.ChatID == chatID {
			return c
		}
	}
	return nil
}

func (a *Aggregator) onlineLocked(userID string, fallback bool) bool {
	if a.presence == nil {
		return fallback
	}
	return a.presence.IsOnline(userID)
}

// seed runs without the lock held; presence listeners may read the list.
func (a *Aggregator) seed(convs []*ConversationItem, peers []*PeerItem) {
	if a.presence == nil {
		return
	}
	for _, c := range convs {
		a.presence.Seed(c.UserID, c.Online)
	}
	for _, p := range peers {
		a.presence.Seed(p.UserID, p.Online)
	}
}

func (a *Aggregator) decodeConversations(wire []models.EnhancedChatItem) []*ConversationItem {
	out := make([]*ConversationItem, 0, len(wire))
	for _, w := range wire {
		it, err := FromWire(w)
		if err != nil {
			a.logger.Warn().Err(err).Msg("skipping list row")
			continue
		}
		if c, ok := it.(*ConversationItem); ok {
			out = append(out, c)
		}
	}
	return out
}

func (a *Aggregator) decodePeers(wire []models.EnhancedChatItem) []*PeerItem {
	out := make([]*PeerItem, 0, len(wire))
	for _, w := range wire {
		it, err := FromWire(w)
		if err != nil {
			a.logger.Warn().Err(err).Msg("skipping peer row")
			continue
		}
		if p, ok := it.(*PeerItem); ok {
			out = append(out, p)
		}
	}
	return out
}
