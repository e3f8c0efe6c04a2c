package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SocketHandler authenticates and upgrades chat sockets.
type SocketHandler struct {
	hub        *Hub
	dispatcher *Dispatcher
	validator  middleware.TokenValidator
	presence   presence.Registry
	logger     zerolog.Logger
}

// NewSocketHandler constructs a SocketHandler.
func NewSocketHandler(hub *Hub, dispatcher *Dispatcher, validator middleware.TokenValidator, registry presence.Registry, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{hub: hub, dispatcher: dispatcher, validator: validator, presence: registry, logger: logger}
}

// Handle upgrades the connection and starts the client pumps.
func (h *SocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := middleware.TokenFromRequest(c.Request)
	identity, err := h.validator.ValidateToken(token)
	if token == "" || err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	meta.RequestID = observability.EnsureRequestID(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		Role:        identity.Role,
		Meta:        meta,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, h.logger)
	h.hub.Register(client)
	h.connected(info)

	go client.writePump()
	go h.serve(client)
}

func (h *SocketHandler) serve(client *Client) {
	// The dispatch context outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := client.readPump(ctx, h.dispatcher)

	reason := ""
	if err != nil {
		reason = err.Error()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			client.logger.Debug().Err(err).Msg("socket closed unexpectedly")
			observability.SocketErrored()
			publishLifecycle(ctx, client.info, observability.SocketError, reason)
		}
	}
	h.hub.Unregister(client)
	client.close()
	h.disconnected(client.info, reason)
}

func (h *SocketHandler) connected(info ConnInfo) {
	ctx := context.Background()
	observability.SocketOpened()
	publishLifecycle(ctx, info, observability.SocketConnect, "")

	online, err := h.presence.Connect(ctx, info.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("presence connect failed")
		return
	}
	if online {
		h.hub.BroadcastAll(protocol.EventPresence, protocol.PresenceUpdate{UserID: info.UserID, Online: true})
	}
}

func (h *SocketHandler) disconnected(info ConnInfo, reason string) {
	ctx := context.Background()
	observability.SocketClosed()
	publishLifecycle(ctx, info, observability.SocketDisconnect, reason)

	offline, err := h.presence.Disconnect(ctx, info.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("presence disconnect failed")
		return
	}
	if offline {
		h.hub.BroadcastAll(protocol.EventPresence, protocol.PresenceUpdate{UserID: info.UserID, Online: false})
	}
}
