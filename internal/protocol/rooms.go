package protocol

import "strings"

const (
	userRoomPrefix = "user:"
	chatRoomPrefix = "chat:"
)

// UserRoom is the per-user room that receives list updates and direct notices.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// ChatRoom is the room of one conversation.
func ChatRoom(chatID string) string {
	return chatRoomPrefix + chatID
}

// ParseRoom splits a room name into its kind ("user" or "chat") and id.
func ParseRoom(room string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(room, userRoomPrefix):
		kind, id = "user", strings.TrimPrefix(room, userRoomPrefix)
	case strings.HasPrefix(room, chatRoomPrefix):
		kind, id = "chat", strings.TrimPrefix(room, chatRoomPrefix)
	default:
		return "", "", false
	}
	return kind, id, id != ""
}
