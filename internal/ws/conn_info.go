package ws

import (
	"time"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/observability"
)

// ConnInfo is the identity of one socket, fixed at handshake.
type ConnInfo struct {
	ConnID      string
	UserID      string
	Role        string
	Meta        observability.RequestMeta
	TraceID     string
	ConnectedAt time.Time
}

// Trace correlates events published on behalf of this socket with its handshake.
func (i ConnInfo) Trace() observability.Trace {
	return observability.Trace{RequestID: i.Meta.RequestID, TraceID: i.TraceID}
}

// Logger returns base tagged with the socket identity.
func (i ConnInfo) Logger(base zerolog.Logger) zerolog.Logger {
	ctx := base.With().Str("conn_id", i.ConnID).Str("user_id", i.UserID)
	if i.Meta.DeviceID != "" {
		ctx = ctx.Str("device_id", i.Meta.DeviceID)
	}
	return ctx.Logger()
}

// lifecycle is the payload of socket lifecycle events.
type lifecycle struct {
	ConnID     string `json:"conn_id"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

func (i ConnInfo) lifecycle(reason string) lifecycle {
	return lifecycle{
		ConnID:     i.ConnID,
		DeviceID:   i.Meta.DeviceID,
		IP:         i.Meta.IP,
		DurationMS: time.Since(i.ConnectedAt).Milliseconds(),
		Reason:     reason,
	}
}
