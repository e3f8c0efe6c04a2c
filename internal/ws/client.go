package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one authenticated socket.
type Client struct {
	conn   *websocket.Conn
	info   ConnInfo
	send   chan []byte
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, info ConnInfo, logger zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		info:   info,
		send:   make(chan []byte, sendBuffer),
		logger: info.Logger(logger),
	}
}

// UserID is the authenticated owner of the socket.
func (c *Client) UserID() string { return c.info.UserID }

// enqueue queues a frame for the write pump. It returns false when the buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump decodes frames and hands them to the dispatcher in arrival order.
// It returns the read error that ended the connection.
func (c *Client) readPump(ctx context.Context, d *Dispatcher) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Parse(raw)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		d.Dispatch(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
