package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// recordingConn: a net.Conn that keeps everything written to it
// ---------------------------------------------------------------------------

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

// recordingConn never delivers input; Read blocks until Close.
// Writes are captured, or fail once failWrites is set.
type recordingConn struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	failWrites atomic.Bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{closed: make(chan struct{})}
}

func (c *recordingConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordingConn) Write(p []byte) (int, error) {
	if c.failWrites.Load() {
		return 0, errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *recordingConn) LocalAddr() net.Addr                { return fakeAddr("server") }
func (c *recordingConn) RemoteAddr() net.Addr               { return fakeAddr("client") }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

// frames decodes everything written so far
func (c *recordingConn) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()

	r := protocol.NewReader(bytes.NewReader(data))
	var frames []*protocol.Frame
	for {
		frame, err := r.ReadFrame(protocol.ServerToClient)
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

// reset discards captured output
func (c *recordingConn) reset() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

var testSessionIDs atomic.Uint64

func newTestSession(conn net.Conn, onClose func(*Session)) *Session {
	sess := NewSession(conn, SessionOptions{
		ID:      testSessionIDs.Add(1),
		Logger:  zap.NewNop(),
		OnClose: onClose,
	})
	sess.advance(StateUnauthenticated)
	return sess
}

// authenticatedSession returns a recorded session already authenticated as username
func authenticatedSession(t *testing.T, username string) (*Session, *recordingConn) {
	t.Helper()
	conn := newRecordingConn()
	sess := newTestSession(conn, nil)
	require.True(t, sess.authenticate(&database.User{
		ID:       int64(testSessionIDs.Load()),
		Identity: uuid.New(),
		Username: username,
	}))
	return sess, conn
}

// userFor returns a user record sharing sess's identity
func userFor(sess *Session, username string) *database.User {
	return &database.User{ID: sess.UserID(), Identity: sess.Identity(), Username: username}
}

// ---------------------------------------------------------------------------
// testClient: frame-level client over any net.Conn
// ---------------------------------------------------------------------------

// testClient reads frames on a persistent goroutine so synchronous transports
// such as net.Pipe never block the server's writes.
type testClient struct {
	conn    net.Conn
	frames  chan *protocol.Frame
	readErr error // valid once frames is closed
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	c := &testClient{conn: conn, frames: make(chan *protocol.Frame, 256)}
	go func() {
		defer close(c.frames)
		r := protocol.NewReader(conn)
		for {
			frame, err := r.ReadFrame(protocol.ServerToClient)
			if err != nil {
				c.readErr = err
				return
			}
			c.frames <- frame
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(t *testing.T, op protocol.Opcode, fields ...string) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(c.conn, op, fields...))
}

func (c *testClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	_, err := c.conn.Write(data)
	require.NoError(t, err)
}

// next returns the next frame or fails the test on timeout or disconnect
func (c *testClient) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		if !ok {
			t.Fatalf("connection closed while waiting for a frame: %v", c.readErr)
		}
		return frame
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a frame")
		return nil
	}
}

// expect reads the next frame and requires its opcode and fields
func (c *testClient) expect(t *testing.T, op protocol.Opcode, fields ...string) *protocol.Frame {
	t.Helper()
	frame := c.next(t)
	require.Equal(t, op, frame.Opcode, "fields: %q", frame.Fields)
	if len(fields) > 0 {
		require.Equal(t, fields, frame.Fields)
	}
	return frame
}

// expectHistory reads a complete replay and returns the lines before the end marker
func (c *testClient) expectHistory(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		frame := c.expect(t, protocol.OpMessageHistory)
		if frame.Field(0) == protocol.HistoryEndMarker {
			return lines
		}
		lines = append(lines, frame.Field(0))
	}
}

// expectAuthenticated reads AUTH_SUCCESS for username and the history replay
func (c *testClient) expectAuthenticated(t *testing.T, username string) (identity string, history []string) {
	t.Helper()
	frame := c.expect(t, protocol.OpAuthSuccess)
	require.Equal(t, username, frame.Field(0))
	_, err := uuid.Parse(frame.Field(1))
	require.NoError(t, err)
	return frame.Field(1), c.expectHistory(t)
}

// expectClosed waits until the server closes the connection
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				return
			}
			t.Logf("discarding %s before close", frame.Opcode)
		case <-deadline:
			t.Fatalf("connection still open")
		}
	}
}

// expectQuiet requires that nothing arrives for d
func (c *testClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		if ok {
			t.Fatalf("unexpected %s %q", frame.Opcode, frame.Fields)
		}
		t.Fatalf("connection closed unexpectedly: %v", c.readErr)
	case <-time.After(d):
	}
}

// rawFieldHeader builds an opcode followed by a bare length prefix
func rawFieldHeader(op protocol.Opcode, length int32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:], uint32(length))
	return buf
}

// ---------------------------------------------------------------------------
// harness: the session-level stack without listeners
// ---------------------------------------------------------------------------

type harness struct {
	store      *database.MemStore
	registry   *Registry
	dispatcher *Dispatcher
	events     *eventSink
	wg         sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := database.NewMemStore()
	events := newEventSink(64, nil)
	registry := NewRegistry(zap.NewNop(), nil, events)
	auth := NewAuthGateway(store, bcrypt.MinCost, zap.NewNop(), nil)
	pipeline := NewMessagePipeline(PipelineDeps{
		Users:            store,
		Messages:         store,
		Registry:         registry,
		MaxMessageLength: 4096,
		Logger:           zap.NewNop(),
	})
	history := NewHistoryReplay(store, 30, 0, nil)
	dispatcher := NewDispatcher()
	RegisterOperations(dispatcher, auth, pipeline, history, registry)

	h := &harness{store: store, registry: registry, dispatcher: dispatcher, events: events}
	t.Cleanup(h.wg.Wait)
	return h
}

// connect serves a new session over net.Pipe. The returned channel yields
// the Serve result.
func (h *harness) connect(t *testing.T) (*testClient, *Session, <-chan error) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	sess := NewSession(serverSide, SessionOptions{
		ID:     testSessionIDs.Add(1),
		Logger: zap.NewNop(),
		OnClose: func(s *Session) {
			if s.isRegistered() {
				h.registry.Leave(s)
			}
		},
	})

	done := make(chan error, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		done <- sess.Serve(context.Background(), h.dispatcher, 0)
	}()
	client := newTestClient(t, clientSide)
	return client, sess, done
}

// waitRegistered waits until the registry holds n sessions. Registration
// completes just after the history end marker is written, so other clients
// must not assume membership before then.
func waitRegistered(t *testing.T, r *Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Len() == n }, testTimeout, time.Millisecond)
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("session did not finish")
		return nil
	}
}
