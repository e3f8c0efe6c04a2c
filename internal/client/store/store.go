// Package store holds per-conversation message timelines on the client, merging
// paginated history, live deliveries and optimistic drafts without duplicates.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace-chat/internal/models"
)

// ErrStale is returned when a history fetch completes after its conversation stopped being active.
var ErrStale = errors.New("conversation no longer active")

// HistoryFetcher loads one page of history, newest first, strictly older than before when set.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, chatID string, limit int, before string) ([]models.Message, error)
}

// PeerKey is the timeline key used for a peer before a chat exists.
func PeerKey(userID string) string {
	return "peer:" + userID
}

// State of a timeline.
type State int

const (
	Empty State = iota
	Loaded
	LoadedWithMoreHistory
)

// Status of a timeline entry.
type Status int

const (
	Confirmed Status = iota
	Pending
)

// Entry is one message as shown in a timeline.
type Entry struct {
	Message       models.Message
	Status        Status
	CorrelationID string
	// Stalled marks a pending draft that has waited longer than expected for its ack.
	Stalled bool
}

type timeline struct {
	entries []Entry
	// ids maps each confirmed message id to the generation it was inserted at.
	ids     map[string]uint64
	gen     *uint64
	loaded  bool
	hasMore bool
}

func newTimeline(gen *uint64) *timeline {
	return &timeline{ids: make(map[string]uint64), gen: gen}
}

// insert keeps entries ordered by timestamp; equal timestamps keep insertion order.
func (t *timeline) insert(e Entry) {
	i := len(t.entries)
	for i > 0 && t.entries[i-1].Message.Timestamp.After(e.Message.Timestamp) {
		i--
	}
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	if e.Status == Confirmed && e.Message.ID != "" {
		*t.gen++
		t.ids[e.Message.ID] = *t.gen
	}
}

func (t *timeline) indexOfDraft(correlationID string) int {
	for i, e := range t.entries {
		if e.Status == Pending && e.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (t *timeline) removeAt(i int) Entry {
	e := t.entries[i]
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	if e.Status == Confirmed {
		delete(t.ids, e.Message.ID)
	}
	return e
}

func (t *timeline) oldestConfirmedID() string {
	for _, e := range t.entries {
		if e.Status == Confirmed {
			return e.Message.ID
		}
	}
	return ""
}

// Store is safe for concurrent use. It never holds its lock across a fetch.
type Store struct {
	fetcher HistoryFetcher
	now     func() time.Time

	mu        sync.Mutex
	gen       uint64
	active    string
	timelines map[string]*timeline
	drafts    map[string]string // correlation id -> timeline key
}

// New builds an empty Store.
func New(fetcher HistoryFetcher) *Store {
	return &Store{
		fetcher:   fetcher,
		now:       time.Now,
		timelines: make(map[string]*timeline),
		drafts:    make(map[string]string),
	}
}

// SetActive marks key (a chat id or a PeerKey) as the conversation on screen.
func (s *Store) SetActive(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = key
}

// Active returns the key of the conversation on screen.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) timeline(key string) *timeline {
	t, ok := s.timelines[key]
	if !ok {
		t = newTimeline(&s.gen)
		s.timelines[key] = t
	}
	return t
}

// LoadInitial replaces the confirmed history of chatID with its newest page. Pending
// drafts survive the reload, and so do messages that arrived while the page was in flight.
func (s *Store) LoadInitial(ctx context.Context, chatID string, limit int) error {
	s.mu.Lock()
	started := s.gen
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, chatID, limit, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != chatID {
		return ErrStale
	}

	fresh := newTimeline(&s.gen)
	for i := len(page) - 1; i >= 0; i-- {
		if _, dup := fresh.ids[page[i].ID]; dup {
			continue
		}
		fresh.insert(Entry{Message: page[i], Status: Confirmed})
	}
	if old, ok := s.timelines[chatID]; ok {
		for _, e := range old.entries {
			switch {
			case e.Status == Pending:
				fresh.insert(e)
			case old.ids[e.Message.ID] > started:
				if _, dup := fresh.ids[e.Message.ID]; !dup {
					fresh.insert(e)
				}
			}
		}
	}
	fresh.loaded = true
	fresh.hasMore = len(page) == limit
	s.timelines[chatID] = fresh
	return nil
}

// LoadOlder fetches the page before the oldest held message and merges it at the head.
// It is a no-op when no more history is known to exist.
func (s *Store) LoadOlder(ctx context.Context, chatID string, limit int) error {
	s.mu.Lock()
	t, ok := s.timelines[chatID]
	if !ok || !t.loaded {
		s.mu.Unlock()
		return s.LoadInitial(ctx, chatID, limit)
	}
	if !t.hasMore {
		s.mu.Unlock()
		return nil
	}
	cursor := t.oldestConfirmedID()
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, chatID, limit, cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != chatID {
		return ErrStale
	}
	t = s.timeline(chatID)
	for i := len(page) - 1; i >= 0; i-- {
		if _, dup := t.ids[page[i].ID]; dup {
			continue
		}
		t.insert(Entry{Message: page[i], Status: Confirmed})
	}
	t.hasMore = len(page) == limit
	return nil
}

// InsertLive adds a pushed message to the active conversation. It returns false when
// the message belongs elsewhere or is already present.
func (s *Store) InsertLive(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" || msg.ChatID == "" || msg.ChatID != s.active {
		return false
	}
	t := s.timeline(msg.ChatID)
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}
	t.insert(Entry{Message: msg, Status: Confirmed})
	return true
}

// Has reports whether messageID is held in key's timeline.
func (s *Store) Has(key, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[key]
	if !ok {
		return false
	}
	_, found := t.ids[messageID]
	return found
}

// InsertOptimistic appends a pending draft to key's timeline and returns its correlation id.
func (s *Store) InsertOptimistic(key string, draft models.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft.Timestamp.IsZero() {
		draft.Timestamp = s.now()
	}
	draft.ID = ""
	correlationID := uuid.NewString()
	t := s.timeline(key)
	t.loaded = true
	t.insert(Entry{Message: draft, Status: Pending, CorrelationID: correlationID})
	s.drafts[correlationID] = key
	return correlationID
}

// Reconcile replaces a draft with its canonical message. When the canonical id already
// arrived through a live delivery the draft is dropped instead. It returns false for an
// unknown correlation id.
func (s *Store) Reconcile(correlationID string, canonical models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.drafts[correlationID]
	if !ok {
		return false
	}
	delete(s.drafts, correlationID)
	t := s.timeline(key)
	if i := t.indexOfDraft(correlationID); i >= 0 {
		t.removeAt(i)
	}
	if _, dup := t.ids[canonical.ID]; !dup {
		t.insert(Entry{Message: canonical, Status: Confirmed})
	}
	return true
}

// Fail removes a draft whose send did not complete and returns it.
func (s *Store) Fail(correlationID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.drafts[correlationID]
	if !ok {
		return models.Message{}, false
	}
	delete(s.drafts, correlationID)
	t := s.timeline(key)
	i := t.indexOfDraft(correlationID)
	if i < 0 {
		return models.Message{}, false
	}
	return t.removeAt(i).Message, true
}

// MarkStalled flags a still-pending draft. It returns false once the draft is settled.
func (s *Store) MarkStalled(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.drafts[correlationID]
	if !ok {
		return false
	}
	t := s.timeline(key)
	i := t.indexOfDraft(correlationID)
	if i < 0 {
		return false
	}
	t.entries[i].Stalled = true
	return true
}

// Remove drops messageID from chatID's timeline.
func (s *Store) Remove(chatID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[chatID]
	if !ok {
		return false
	}
	for i, e := range t.entries {
		if e.Status == Confirmed && e.Message.ID == messageID {
			t.removeAt(i)
			return true
		}
	}
	return false
}

// Rekey moves the timeline at from (usually a PeerKey) to the chat id to, merging
// into any timeline already there.
func (s *Store) Rekey(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == to {
		return
	}
	src, ok := s.timelines[from]
	if ok {
		delete(s.timelines, from)
		dst, exists := s.timelines[to]
		if !exists {
			for i := range src.entries {
				src.entries[i].Message.ChatID = to
			}
			s.timelines[to] = src
		} else {
			for _, e := range src.entries {
				e.Message.ChatID = to
				if e.Status == Confirmed {
					if _, dup := dst.ids[e.Message.ID]; dup {
						continue
					}
				}
				dst.insert(e)
			}
		}
	}
	for id, key := range s.drafts {
		if key == from {
			s.drafts[id] = to
		}
	}
	if s.active == from {
		s.active = to
	}
}

// Messages returns a copy of key's timeline, oldest first.
func (s *Store) Messages(key string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[key]
	if !ok {
		return nil
	}
	return append([]Entry(nil), t.entries...)
}

// State reports how much of key's history is held.
func (s *Store) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[key]
	switch {
	case !ok || !t.loaded:
		return Empty
	case t.hasMore:
		return LoadedWithMoreHistory
	default:
		return Loaded
	}
}

// HasMoreHistory reports whether older pages may exist for key.
func (s *Store) HasMoreHistory(key string) bool {
	return s.State(key) == LoadedWithMoreHistory
}
