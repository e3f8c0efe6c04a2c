// Package protocol defines the JSON frames exchanged over the chat socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names. Emits carry no id; requests carry an id and are answered with an EventAck frame.
const (
	// Client -> Server emits
	EventJoin  = "join"
	EventLeave = "leave"

	// Client -> Server requests
	EventGetChats      = "getChats"
	EventGetPeers      = "getPeers"
	EventGetMessages   = "getMessages"
	EventSendMessage   = "sendMessage"
	EventCreateChat    = "createChat"
	EventMarkRead      = "markRead"
	EventDeleteMessage = "deleteMessage"

	// Server -> Client
	EventAck             = "ack"
	EventMessage         = "message"
	EventChatListUpdated = "chatListUpdated"
	EventMessageDeleted  = "messageDeleted"
	EventPresence        = "presence"
	EventError           = "error"
)

// Frame is a single socket text message.
type Frame struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// Encode marshals a frame for event in one step.
func Encode(event string, data any) ([]byte, error) {
	f, err := NewFrame(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Parse decodes a raw socket message.
func Parse(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("parse frame: missing event")
	}
	return f, nil
}

// Success builds the ack for request id carrying data.
func Success(id string, data any) ([]byte, error) {
	f, err := NewFrame(EventAck, data)
	if err != nil {
		return nil, err
	}
	f.ID = id
	return json.Marshal(f)
}

// Failure builds the error ack for request id.
func Failure(id, message string) []byte {
	raw, _ := json.Marshal(Frame{Event: EventAck, ID: id, Message: message})
	return raw
}

// IsError reports whether an ack frame is an error envelope.
func (f Frame) IsError() bool {
	return f.Event == EventAck && f.Message != ""
}
