// Package rooms keeps the client's socket room membership consistent across
// conversation switches and reconnects.
package rooms

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/client/chaterr"
	"marketplace-chat/internal/protocol"
)

// Emitter is the part of the socket session the coordinator needs.
type Emitter interface {
	Emit(event string, data any) error
	Connected() bool
}

type op struct {
	event string
	room  string
}

// Coordinator serializes join and leave emissions. At most one conversation room is active.
type Coordinator struct {
	em     Emitter
	logger zerolog.Logger

	mu         sync.Mutex
	userID     string
	userJoined bool
	active     string
	buffer     []op
}

// New builds a Coordinator over em.
func New(em Emitter, logger zerolog.Logger) *Coordinator {
	return &Coordinator{em: em, logger: logger}
}

// JoinUserRoom joins the viewer's own room. Repeated calls within one connection are no-ops.
func (c *Coordinator) JoinUserRoom(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == userID && c.userJoined {
		return
	}
	c.userID = userID
	c.userJoined = false
	if c.flushable() && c.send(op{protocol.EventJoin, protocol.UserRoom(userID)}) == nil {
		c.userJoined = true
	}
}

// JoinConversation makes chatID the active conversation room, leaving the previous one first.
func (c *Coordinator) JoinConversation(chatID string) {
	c.Switch(chatID)
}

// LeaveConversation leaves chatID if it is the active room.
func (c *Coordinator) LeaveConversation(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chatID == "" || c.active != chatID {
		return
	}
	c.perform(op{protocol.EventLeave, protocol.ChatRoom(chatID)})
	c.active = ""
}

// Switch leaves the active room and joins chatID. An empty chatID only leaves.
func (c *Coordinator) Switch(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == chatID {
		return
	}
	if c.active != "" {
		c.perform(op{protocol.EventLeave, protocol.ChatRoom(c.active)})
	}
	if chatID != "" {
		c.perform(op{protocol.EventJoin, protocol.ChatRoom(chatID)})
	}
	c.active = chatID
}

// Active is the conversation room currently joined, by chat id.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Resync restores membership after a (re)connect: the user room first, then
// the buffered operations in order, then the active room if the buffer did not
// already end by joining it.
func (c *Coordinator) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userJoined = false
	if c.userID != "" {
		if err := c.send(op{protocol.EventJoin, protocol.UserRoom(c.userID)}); err != nil {
			return
		}
		c.userJoined = true
	}

	replay := c.buffer
	c.buffer = nil
	for i, o := range replay {
		if err := c.send(o); err != nil {
			c.buffer = append(c.buffer, replay[i:]...)
			return
		}
	}

	if c.active == "" {
		return
	}
	last := op{}
	if len(replay) > 0 {
		last = replay[len(replay)-1]
	}
	if last.event != protocol.EventJoin || last.room != protocol.ChatRoom(c.active) {
		if err := c.send(op{protocol.EventJoin, protocol.ChatRoom(c.active)}); err != nil {
			c.buffer = append(c.buffer, op{protocol.EventJoin, protocol.ChatRoom(c.active)})
		}
	}
}

// flushable reports whether operations may go straight to the wire. Once anything is
// buffered, later operations queue behind it until Resync.
func (c *Coordinator) flushable() bool {
	return len(c.buffer) == 0 && c.em.Connected()
}

func (c *Coordinator) perform(o op) {
	if c.flushable() {
		err := c.send(o)
		if err == nil {
			return
		}
		if !errors.Is(err, chaterr.Transport) {
			c.logger.Warn().Err(err).Str("room", o.room).Msg("room emit failed")
			return
		}
	}
	c.buffer = append(c.buffer, o)
}

func (c *Coordinator) send(o op) error {
	return c.em.Emit(o.event, protocol.RoomRequest{Room: o.room})
}
