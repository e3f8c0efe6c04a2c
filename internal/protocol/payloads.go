package protocol

// RoomRequest is the payload of join and leave.
type RoomRequest struct {
	Room string `json:"room"`
}

// ListChatsRequest asks for one page of the viewer's conversations.
type ListChatsRequest struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Search string `json:"search,omitempty"`
}

// ListPeersRequest asks for addressable peers visible to the viewer.
type ListPeersRequest struct {
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit"`
}

// GetMessagesRequest asks for a page of history, newest first.
type GetMessagesRequest struct {
	ChatID          string `json:"chatId"`
	Limit           int    `json:"limit"`
	BeforeMessageID string `json:"beforeMessageId,omitempty"`
}

// SendMessageRequest creates a message. ChatID is empty for the first message to a peer.
type SendMessageRequest struct {
	ChatID     string `json:"chatId,omitempty"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	AudioURL   string `json:"audioUrl,omitempty"`
	Duration   int    `json:"duration,omitempty"`
}

// CreateChatRequest returns or creates the chat with a peer.
type CreateChatRequest struct {
	ReceiverID string `json:"receiverId"`
}

// ChatRef addresses a chat.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// MessageRef addresses one message of a chat.
type MessageRef struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// PresenceUpdate is broadcast when a user's online state changes.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ErrorNotice is pushed for failures of emits that have no ack, such as join.
type ErrorNotice struct {
	Room    string `json:"room,omitempty"`
	Message string `json:"message"`
}

// Error messages shared by server acks and client classification.
const (
	ErrMsgChatNotFound    = "chat not found"
	ErrMsgMessageNotFound = "message not found"
	ErrMsgForbidden       = "not a chat member"
	ErrMsgRoomForbidden   = "not authorized for room"
	ErrMsgEmptyMessage    = "message must have content, image or audio"
	ErrMsgSelfChat        = "cannot chat with yourself"
	ErrMsgBadRequest      = "invalid request"
	ErrMsgInternal        = "internal error"
)
