// Package presence tracks which peers are online and whether this client is connected.
package presence

import (
	"encoding/json"
	"sync"

	"marketplace-chat/internal/protocol"
)

// Source is the part of the socket session the tracker subscribes to.
type Source interface {
	On(event string, fn func(json.RawMessage)) func()
	OnConnect(fn func()) func()
	OnDisconnect(fn func(error)) func()
}

// Resyncer restores room membership after a reconnect.
type Resyncer interface {
	Resync()
}

// Tracker is best effort: it never blocks messaging and may lag behind the server.
type Tracker struct {
	mu        sync.RWMutex
	online    map[string]bool
	connected bool
	listeners []func(userID string, online bool)
	unsub     []func()
}

// New subscribes a Tracker to src. On every connect it asks rooms to resync.
// connected is the state of src at construction time.
func New(src Source, rooms Resyncer, connected bool) *Tracker {
	t := &Tracker{online: make(map[string]bool), connected: connected}
	t.unsub = append(t.unsub,
		src.OnConnect(func() {
			t.setConnected(true)
			if rooms != nil {
				rooms.Resync()
			}
		}),
		src.OnDisconnect(func(error) { t.setConnected(false) }),
		src.On(protocol.EventPresence, t.handle),
	)
	return t
}

// Close unsubscribes from the session.
func (t *Tracker) Close() {
	for _, fn := range t.unsub {
		fn()
	}
}

// IsOnline reports the last known state of userID.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

// Connected reports whether this client's socket is up.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Seed records presence carried by a list refresh.
func (t *Tracker) Seed(userID string, online bool) {
	t.set(userID, online)
}

// OnChange registers fn for presence transitions. fn must not block.
func (t *Tracker) OnChange(fn func(userID string, online bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) handle(data json.RawMessage) {
	var update protocol.PresenceUpdate
	if err := json.Unmarshal(data, &update); err != nil || update.UserID == "" {
		return
	}
	t.set(update.UserID, update.Online)
}

func (t *Tracker) set(userID string, online bool) {
	t.mu.Lock()
	prev, known := t.online[userID]
	t.online[userID] = online
	listeners := append([]func(string, bool){}, t.listeners...)
	t.mu.Unlock()

	if known && prev == online {
		return
	}
	for _, fn := range listeners {
		fn(userID, online)
	}
}

func (t *Tracker) setConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}
