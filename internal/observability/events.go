package observability

import (
	"context"
	"sync"
	"time"
)

// Routing keys on the chat exchange.
const (
	RoutingSocket   = "chat.socket"
	RoutingMessages = "chat.messages"
	RoutingChats    = "chat.chats"
)

// Socket lifecycle event names.
const (
	SocketConnect    = "socket_connected"
	SocketDisconnect = "socket_disconnected"
	SocketError      = "socket_error"
)

// Event is the body of everything published on the chat exchange.
type Event struct {
	Name       string    `json:"name"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// Trace ties a published event to the request or socket that caused it.
type Trace struct {
	RequestID string
	TraceID   string
}

// Headers renders t as broker message headers, skipping empty values.
func (t Trace) Headers() map[string]string {
	headers := make(map[string]string, 2)
	if t.RequestID != "" {
		headers["x-request-id"] = t.RequestID
	}
	if t.TraceID != "" {
		headers["trace_id"] = t.TraceID
	}
	return headers
}

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var (
	sinkMu sync.RWMutex
	sink   Sink
)

// SetSink installs the process-wide event sink. A nil sink disables publishing.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

// Publish stamps ev and hands it to the installed sink. Failures are counted
// per routing key and returned; callers on the hot path usually ignore them.
func Publish(ctx context.Context, routingKey string, ev Event, trace Trace) error {
	sinkMu.RLock()
	s := sink
	sinkMu.RUnlock()
	if s == nil {
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := s.Publish(ctx, routingKey, ev, trace.Headers()); err != nil {
		eventPublishFailures.WithLabelValues(routingKey).Inc()
		return err
	}
	return nil
}
