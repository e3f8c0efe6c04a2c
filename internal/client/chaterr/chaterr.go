// Package chaterr classifies chat client failures so callers can decide between
// retrying, refreshing and surfacing a message.
package chaterr

import (
	"errors"
	"fmt"

	"marketplace-chat/internal/protocol"
)

// Kind is a failure class. A Kind is itself an error so that
// errors.Is(err, chaterr.Validation) matches any *Error of that kind.
type Kind uint8

const (
	Unknown Kind = iota
	Transport
	Validation
	Permission
	NotFound
	Upload
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Validation:
		return "validation"
	case Permission:
		return "permission"
	case NotFound:
		return "not found"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

func (k Kind) Error() string { return k.String() + " error" }

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return E(kind, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// UserMessage is a short human-readable description of the failure.
func (e *Error) UserMessage() string {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	switch e.Kind {
	case Transport:
		return "Connection problem. " + orDefault(detail, "Please check your network and try again.")
	case Validation:
		return orDefault(detail, "The request was not valid.")
	case Permission:
		return "Not allowed: " + orDefault(detail, "you do not have access.")
	case NotFound:
		return "This conversation is no longer available."
	case Upload:
		return "Upload failed: " + orDefault(detail, "please try again.")
	default:
		return orDefault(detail, "Something went wrong.")
	}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// UserMessage describes any error for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return "Something went wrong."
}

// FromAck classifies an error ack returned for a socket request.
func FromAck(op, message string) *Error {
	cause := errors.New(message)
	switch message {
	case protocol.ErrMsgChatNotFound, protocol.ErrMsgMessageNotFound:
		return E(NotFound, op, cause)
	case protocol.ErrMsgForbidden, protocol.ErrMsgRoomForbidden:
		return E(Permission, op, cause)
	case protocol.ErrMsgEmptyMessage, protocol.ErrMsgSelfChat, protocol.ErrMsgBadRequest:
		return E(Validation, op, cause)
	default:
		return E(Transport, op, cause)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
