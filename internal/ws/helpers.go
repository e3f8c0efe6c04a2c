package ws

import (
	"github.com/google/uuid"

	"marketplace-chat/internal/protocol"
)

// UserRoom and ChatRoom name hub rooms the same way clients do.
var (
	UserRoom = protocol.UserRoom
	ChatRoom = protocol.ChatRoom
)

func newConnID() string {
	return uuid.NewString()
}
