package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a session's position in its connection lifecycle
type State int32

const (
	StateConnecting State = iota
	StateUnauthenticated
	StateAuthenticated
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session represents one live connection
type Session struct {
	ID         uint64    // Connection sequence number, for logs
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string
	Transport  string // "tcp" or "websocket"

	mu         sync.RWMutex // Protects the fields below
	state      State
	identity   uuid.UUID // uuid.Nil until authenticated
	username   string
	userID     int64
	registered bool // true while the session is in the client registry

	closed    atomic.Bool
	closeOnce sync.Once
	finish    sync.Once

	baseLogger *zap.Logger // connection fields only
	logger     *zap.Logger // baseLogger plus identity once authenticated
	metrics    *Metrics
	onClose    func(*Session) // registry leave and bookkeeping, runs once
}

// SessionOptions configures a new Session
type SessionOptions struct {
	ID           uint64
	Transport    string
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
	OnClose      func(*Session)
}

// NewSession wraps conn in a Session in the Connecting state
func NewSession(conn net.Conn, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	remote := conn.RemoteAddr().String()
	logger = logger.With(
		zap.Uint64("session_id", opts.ID),
		zap.String("remote_addr", remote),
	)
	return &Session{
		ID:         opts.ID,
		Conn:       NewSafeConn(conn, opts.WriteTimeout),
		RemoteAddr: remote,
		Transport:  opts.Transport,
		state:      StateConnecting,
		baseLogger: logger,
		logger:     logger,
		metrics:    opts.Metrics,
		onClose:    opts.OnClose,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the authenticated identity or uuid.Nil
func (s *Session) Identity() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// Logger returns the session-scoped logger
func (s *Session) Logger() *zap.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// authenticate moves an unauthenticated session to Authenticated as user.
// It is a no-op once the session is disconnecting.
func (s *Session) authenticate(user *database.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.state = StateAuthenticated
	s.identity = user.Identity
	s.username = user.Username
	s.userID = user.ID
	s.logger = s.baseLogger.With(
		zap.String("username", user.Username),
		zap.Stringer("identity", user.Identity),
	)
	return true
}

// deauthenticate returns an authenticated session to Unauthenticated
func (s *Session) deauthenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return
	}
	s.state = StateUnauthenticated
	s.identity = uuid.Nil
	s.username = ""
	s.userID = 0
	s.registered = false
	s.logger = s.baseLogger
}

func (s *Session) setRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

func (s *Session) isRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// advance moves the session forward to next; states never move backwards
// except through deauthenticate.
func (s *Session) advance(next State) {
	s.mu.Lock()
	if next > s.state {
		s.state = next
	}
	s.mu.Unlock()
}

// Send encodes and writes one frame to this session's peer
func (s *Session) Send(op protocol.Opcode, fields ...string) error {
	data, err := protocol.Encode(op, fields...)
	if err != nil {
		return err
	}
	return s.SendEncoded(op, data)
}

// SendEncoded writes a frame that was already encoded with op
func (s *Session) SendEncoded(op protocol.Opcode, data []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	if err := s.Conn.WriteBytes(data); err != nil {
		s.Logger().Debug("send failed", zap.Stringer("opcode", op), zap.Error(err))
		return err
	}
	s.metrics.RecordFrameSent(op)
	s.Logger().Debug("SEND", zap.Stringer("opcode", op), zap.Int("bytes", len(data)))
	return nil
}

// Close marks the session cancelled and closes the socket. The read loop
// observes the closed socket and runs the cleanup path. Safe to call repeatedly.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.Conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Serve runs the read loop until the peer disconnects, a fatal error occurs,
// or the session is closed. Frames are handled strictly in arrival order.
// The returned error is nil for a graceful disconnect.
func (s *Session) Serve(ctx context.Context, d *Dispatcher, idleTimeout time.Duration) error {
	defer s.terminate()

	r := protocol.NewReader(s.Conn.Reader())
	for {
		if idleTimeout > 0 {
			if err := s.Conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				return err
			}
		}

		op, err := r.ReadOpcode()
		if err != nil {
			return s.readFailed(err)
		}
		s.advance(StateUnauthenticated)
		s.metrics.RecordFrameReceived(op)
		s.Logger().Debug("RECV", zap.Stringer("opcode", op))

		operation, err := d.Lookup(op)
		if err != nil {
			s.metrics.RecordUnknownOpcode()
			s.Logger().Warn("skipping frame", zap.Error(err))
			continue
		}

		if err := operation.Execute(ctx, s, r); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				s.Logger().Info("client disconnected gracefully")
				return nil
			}
			return s.readFailed(err)
		}
	}
}

func (s *Session) readFailed(err error) error {
	var perr *protocol.ProtocolError
	switch {
	case errors.As(err, &perr):
		s.metrics.RecordProtocolError()
		s.Logger().Warn("malformed frame, closing connection", zap.Error(err))
	case errors.Is(err, io.EOF), s.IsClosed():
		s.Logger().Debug("connection closed", zap.Error(err))
		return nil
	default:
		s.Logger().Info("connection error", zap.Error(err))
	}
	return err
}

// terminate runs the Disconnecting → Closed transition exactly once
func (s *Session) terminate() {
	s.finish.Do(func() {
		s.advance(StateDisconnecting)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.Close()
		s.advance(StateClosed)
	})
}
