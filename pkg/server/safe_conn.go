package server

import (
	"io"
	"net"
	"sync"
	"time"
)

// SafeConn wraps a net.Conn so that whole frames are written atomically.
// A session's own replies and broadcasts from other sessions' goroutines
// share one connection.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a net.Conn with write synchronization.
// A zero writeTimeout means writes may block indefinitely.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteBytes writes a pre-encoded frame under the write lock.
// Broadcasts encode once and call this per receiver.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := sc.conn.Write(data)
	return err
}

// Reader returns the read side of the connection.
// Reads don't need write synchronization; only the session's loop reads.
func (sc *SafeConn) Reader() io.Reader {
	return sc.conn
}

// SetReadDeadline sets the deadline for the next read
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}
