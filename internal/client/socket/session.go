// Package socket is the client side of the chat socket: one long-lived
// connection shared by every chat component, with request/ack correlation and
// automatic reconnect.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/client/chaterr"
	"marketplace-chat/internal/protocol"
)

var (
	ErrDisconnected = chaterr.E(chaterr.Transport, "socket", errors.New("not connected"))
	ErrClosed       = chaterr.E(chaterr.Transport, "socket", errors.New("session closed"))
)

const (
	writeWait   = 10 * time.Second
	outboxSize  = 256
	dialTimeout = 10 * time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithBackOff sets the reconnect policy factory. Each reconnect cycle gets a fresh policy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackOff = factory }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

type conn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Session is an authenticated socket to the chat gateway.
type Session struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	cur          *conn
	started      bool
	pending      map[string]chan protocol.Frame
	handlers     map[string]map[uint64]func(json.RawMessage)
	onConnect    map[uint64]func()
	onDisconnect map[uint64]func(error)
	nextID       uint64
	notify       chan func()
}

// New prepares a session for endpoint (a ws:// or wss:// URL). Nothing is dialed until Connect.
func New(endpoint, token string, opts ...Option) *Session {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		url:    endpoint,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger:       zerolog.Nop(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		pending:      make(map[string]chan protocol.Frame),
		handlers:     make(map[string]map[uint64]func(json.RawMessage)),
		onConnect:    make(map[uint64]func()),
		onDisconnect: make(map[uint64]func(error)),
		notify:       make(chan func(), 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial is New followed by Connect.
func Dial(ctx context.Context, endpoint, token string, opts ...Option) (*Session, error) {
	s := New(endpoint, token, opts...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Endpoint derives the socket URL from the gateway base URL.
func Endpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect dials the first connection and starts the read and reconnect loops.
// Handlers registered with OnConnect before Connect observe the first connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	c, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		if chaterr.KindOf(err) != chaterr.Unknown {
			return err
		}
		return chaterr.E(chaterr.Transport, "connect", err)
	}
	go s.runNotifications()
	if !s.install(c) {
		close(s.done)
		return ErrClosed
	}
	go s.run(c)
	return nil
}

// Connected reports whether a connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Emit sends a fire-and-forget frame. Frames are written in call order.
func (s *Session) Emit(event string, data any) error {
	raw, err := protocol.Encode(event, data)
	if err != nil {
		return chaterr.E(chaterr.Validation, event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(raw)
}

func (s *Session) enqueueLocked(raw []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	c := s.cur
	if c == nil {
		return ErrDisconnected
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.done:
		return ErrDisconnected
	}
}

// Request sends event with params and waits for its ack, decoding the ack data into out
// when out is non-nil. Error acks are returned as *chaterr.Error.
func (s *Session) Request(ctx context.Context, event string, params, out any) error {
	f, err := protocol.NewFrame(event, params)
	if err != nil {
		return chaterr.E(chaterr.Validation, event, err)
	}
	f.ID = uuid.NewString()
	raw, err := json.Marshal(f)
	if err != nil {
		return chaterr.E(chaterr.Validation, event, err)
	}

	reply := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = reply
	err = s.enqueueLocked(raw)
	if err != nil {
		delete(s.pending, f.ID)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case ack, ok := <-reply:
		if !ok {
			return ErrDisconnected
		}
		if ack.IsError() {
			return chaterr.FromAck(event, ack.Message)
		}
		if out != nil && len(ack.Data) > 0 {
			if err := json.Unmarshal(ack.Data, out); err != nil {
				return chaterr.E(chaterr.Transport, event, fmt.Errorf("decode ack: %w", err))
			}
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return chaterr.E(chaterr.Transport, event, ctx.Err())
	case <-s.done:
		return ErrClosed
	}
}

// On registers fn for server-pushed event. fn runs on the read goroutine and must not block.
func (s *Session) On(event string, fn func(json.RawMessage)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]func(json.RawMessage))
	}
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

// OnConnect registers fn to run after every successful (re)connect, in registration order.
// Callbacks run on a dedicated goroutine and may issue requests.
func (s *Session) OnConnect(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.onConnect[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.onConnect, id)
	}
}

// OnDisconnect registers fn to run whenever the connection drops.
func (s *Session) OnDisconnect(fn func(error)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.onDisconnect[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.onDisconnect, id)
	}
}

// Close stops reconnecting and closes the connection.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	started := s.started
	c := s.cur
	s.mu.Unlock()

	if c != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.shutdown()
	}
	if started {
		<-s.done
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*conn, error) {
	ws, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, chaterr.E(chaterr.Permission, "connect", errors.New("token rejected"))
		}
		return nil, err
	}
	return &conn{ws: ws, out: make(chan []byte, outboxSize), done: make(chan struct{})}, nil
}

// install makes c the current connection. It refuses once the session is closed.
func (s *Session) install(c *conn) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.shutdown()
		return false
	}
	s.cur = c
	callbacks := sortedCallbacks(s.onConnect)
	s.mu.Unlock()

	go s.writeLoop(c)
	s.logger.Info().Str("url", s.url).Msg("socket connected")
	s.schedule(func() {
		for _, fn := range callbacks {
			fn()
		}
	})
	return true
}

func (s *Session) teardown(c *conn, cause error) {
	c.shutdown()
	s.mu.Lock()
	if s.cur == c {
		s.cur = nil
	}
	pending := s.pending
	s.pending = make(map[string]chan protocol.Frame)
	callbacks := make([]func(error), 0, len(s.onDisconnect))
	for _, id := range sortedIDs(s.onDisconnect) {
		callbacks = append(callbacks, s.onDisconnect[id])
	}
	s.mu.Unlock()

	for _, reply := range pending {
		close(reply)
	}
	s.logger.Warn().Err(cause).Msg("socket disconnected")
	s.schedule(func() {
		for _, fn := range callbacks {
			fn(cause)
		}
	})
}

// schedule queues connection lifecycle callbacks so they never run on the read goroutine.
func (s *Session) schedule(fn func()) {
	select {
	case s.notify <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) runNotifications() {
	for {
		select {
		case fn := <-s.notify:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) run(c *conn) {
	defer close(s.done)
	for {
		err := s.readLoop(c)
		s.teardown(c, err)
		if s.ctx.Err() != nil {
			return
		}
		next, err := s.reconnect()
		if err != nil {
			return
		}
		if !s.install(next) {
			return
		}
		c = next
	}
}

func (s *Session) reconnect() (*conn, error) {
	var next *conn
	operation := func() error {
		c, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Debug().Err(err).Msg("reconnect attempt failed")
			if chaterr.KindOf(err) == chaterr.Permission {
				return backoff.Permanent(err)
			}
			return err
		}
		next = c
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(s.newBackOff(), s.ctx)); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Session) readLoop(c *conn) error {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Parse(raw)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.deliver(frame)
	}
}

func (s *Session) deliver(f protocol.Frame) {
	if f.Event == protocol.EventAck {
		s.mu.Lock()
		reply, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if ok {
			reply <- f
		}
		return
	}

	s.mu.Lock()
	registered := s.handlers[f.Event]
	fns := make([]func(json.RawMessage), 0, len(registered))
	for _, id := range sortedIDs(registered) {
		fns = append(fns, registered[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(f.Data)
	}
}

func (s *Session) writeLoop(c *conn) {
	for {
		select {
		case raw := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Debug().Err(err).Msg("socket write failed")
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
