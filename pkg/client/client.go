package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/NexLiR/Messanger/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned once the connection has ended
var ErrClosed = errors.New("client: connection closed")

// anonymousUsername fills the username field of LOGOUT and DISCONNECT frames
// sent before any sign in, since the wire format has no empty fields.
const anonymousUsername = "anonymous"

// EventKind identifies what the server told us
type EventKind int

const (
	EventAuthSucceeded EventKind = iota
	EventAuthFailed
	EventUserJoined
	EventUserLeft
	EventMessageReceived
	EventHistoryMessage
	EventHistoryComplete
)

func (k EventKind) String() string {
	switch k {
	case EventAuthSucceeded:
		return "auth_succeeded"
	case EventAuthFailed:
		return "auth_failed"
	case EventUserJoined:
		return "user_joined"
	case EventUserLeft:
		return "user_left"
	case EventMessageReceived:
		return "message_received"
	case EventHistoryMessage:
		return "history_message"
	case EventHistoryComplete:
		return "history_complete"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one decoded server frame.
//
// Username and Identity are set for auth success and membership events.
// Text holds the raw line for message events; Line and Parsed hold its
// decoded form when the text is a chat line rather than a system notice.
// Reason is set for auth failures.
type Event struct {
	Kind     EventKind
	Username string
	Identity uuid.UUID
	Text     string
	Line     ChatLine
	Parsed   bool
	Reason   string
}

// ChatLine is a decoded "[timestamp]: [sender]: content" line
type ChatLine = protocol.ChatLine

// ParseChatLine decodes a chat line using the local time zone
func ParseChatLine(text string) (ChatLine, bool) {
	return protocol.ParseChatLine(text, nil)
}

// Option configures a Client
type Option func(*options)

type options struct {
	logger      *zap.Logger
	location    *time.Location
	eventBuffer int
}

// WithLogger sets the logger for connection events
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLocation sets the zone chat line timestamps are read in
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithEventBuffer sets the capacity of the Events channel
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      zap.NewNop(),
		location:    time.Local,
		eventBuffer: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client speaks the chat protocol over a single connection. Sends may be
// called from any goroutine; incoming frames are decoded by a background
// loop and delivered on Events in arrival order.
type Client struct {
	conn   net.Conn
	opts   options
	logger *zap.Logger

	sendMu sync.Mutex

	mu       sync.Mutex
	username string
	err      error

	events    chan Event
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection and starts the receive loop
func New(conn net.Conn, opts ...Option) *Client {
	o := buildOptions(opts)
	c := &Client{
		conn:     conn,
		opts:     o,
		logger:   o.logger.With(zap.String("remote_addr", conn.RemoteAddr().String())),
		events:   make(chan Event, o.eventBuffer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Dial connects over TCP
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return New(conn, opts...), nil
}

// DialWithRetry keeps dialing with exponential backoff until it connects,
// ctx ends, or maxElapsed has passed since the first attempt.
func DialWithRetry(ctx context.Context, addr string, maxElapsed time.Duration, opts ...Option) (*Client, error) {
	logger := buildOptions(opts).logger

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxElapsed

	var c *Client
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		c, err = Dial(ctx, addr, opts...)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Debug("Dial failed, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, attempt, err)
	}
	return c, nil
}

// DialWebSocket connects to the server's WebSocket endpoint (ws://host:port/ws)
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Register creates an account and signs in as it
func (c *Client) Register(username, password string) error {
	return c.send(protocol.OpRegister, username, password)
}

// Login signs in with a password
func (c *Client) Login(username, password string) error {
	return c.send(protocol.OpLogin, username, password)
}

// Identify signs in by username alone
func (c *Client) Identify(username string) error {
	return c.send(protocol.OpIdentify, username)
}

// Send posts a chat message to everyone
func (c *Client) Send(text string) error {
	return c.send(protocol.OpMessage, text)
}

// Logout signs out and keeps the connection open for another sign in
func (c *Client) Logout() error {
	c.mu.Lock()
	username := c.username
	c.username = ""
	c.mu.Unlock()
	return c.send(protocol.OpLogout, usernameOrAnonymous(username))
}

// Disconnect tells the server we are leaving and waits for it to hang up
// before closing our end.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.send(protocol.OpDisconnect, usernameOrAnonymous(c.Username())); err != nil {
		c.Close()
		return err
	}
	select {
	case <-c.loopDone:
	case <-ctx.Done():
	}
	return c.Close()
}

// Close closes the connection. The Events channel is closed once the
// receive loop has stopped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Events delivers decoded server frames until the connection ends
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err reports why the receive loop stopped. It is nil while the loop runs,
// after a clean hang up, and after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Username is the name of the last successful sign in, or "" when signed out
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// WaitFor discards events until one of kinds arrives
func (c *Client) WaitFor(ctx context.Context, kinds ...EventKind) (Event, error) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return Event{}, fmt.Errorf("%w: %v", ErrClosed, err)
				}
				return Event{}, ErrClosed
			}
			for _, k := range kinds {
				if ev.Kind == k {
					return ev, nil
				}
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Client) send(op protocol.Opcode, fields ...string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteFrame(c.conn, op, fields...); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.loopDone)
	defer close(c.events)

	r := protocol.NewReader(c.conn)
	for {
		frame, err := r.ReadFrame(protocol.ServerToClient)
		if err != nil {
			c.finish(err)
			return
		}

		ev, ok := c.decode(frame)
		if !ok {
			c.logger.Debug("Ignoring frame", zap.Stringer("opcode", frame.Opcode))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) finish(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		c.logger.Debug("Server closed the connection")
		return
	}
	c.logger.Warn("Receive loop stopped", zap.Error(err))
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Client) decode(frame *protocol.Frame) (Event, bool) {
	switch frame.Opcode {
	case protocol.OpAuthSuccess:
		ev := Event{Kind: EventAuthSucceeded, Username: frame.Field(0), Identity: parseIdentity(frame.Field(1))}
		c.mu.Lock()
		c.username = ev.Username
		c.mu.Unlock()
		return ev, true

	case protocol.OpAuthFailed:
		return Event{Kind: EventAuthFailed, Reason: frame.Field(0)}, true

	case protocol.OpConnected:
		return Event{Kind: EventUserJoined, Username: frame.Field(0), Identity: parseIdentity(frame.Field(1))}, true

	case protocol.OpDisconnected:
		return Event{Kind: EventUserLeft, Identity: parseIdentity(frame.Field(0)), Username: frame.Field(1)}, true

	case protocol.OpMessage:
		return c.lineEvent(EventMessageReceived, frame.Field(0)), true

	case protocol.OpMessageHistory:
		text := frame.Field(0)
		if text == protocol.HistoryEndMarker {
			return Event{Kind: EventHistoryComplete, Text: text}, true
		}
		return c.lineEvent(EventHistoryMessage, text), true
	}
	return Event{}, false
}

func (c *Client) lineEvent(kind EventKind, text string) Event {
	line, ok := protocol.ParseChatLine(text, c.opts.location)
	return Event{Kind: kind, Text: text, Line: line, Parsed: ok}
}

func usernameOrAnonymous(name string) string {
	if name == "" {
		return anonymousUsername
	}
	return name
}

// parseIdentity returns uuid.Nil for text that is not a UUID
func parseIdentity(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
