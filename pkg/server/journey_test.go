package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/NexLiR/Messanger/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

func startJourneyServer(t *testing.T) *Server {
	t.Helper()
	cfg := ServerConfig{
		ListenAddr:       "127.0.0.1:0",
		WebSocketAddr:    "127.0.0.1:0",
		MetricsAddr:      "127.0.0.1:0",
		MaxMessageLength: 4096,
		HistorySize:      30,
		BcryptCost:       bcrypt.MinCost,
		EventBuffer:      64,
	}
	srv, err := NewServer(cfg, database.NewMemStore(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, srv *Server) *testClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, srv *Server) *testClient {
			conn, err := net.Dial("tcp", srv.Addr().String())
			require.NoError(t, err)
			return newTestClient(t, conn)
		}},
		{"websocket", func(t *testing.T, srv *Server) *testClient {
			url := fmt.Sprintf("ws://%s/ws", srv.WebSocketAddr())
			conn, err := transport.DialWebSocket(context.Background(), url)
			require.NoError(t, err)
			return newTestClient(t, conn)
		}},
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyChat(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			srv := startJourneyServer(t)

			amy := tr.connect(t, srv)
			amy.send(t, protocol.OpRegister, "amy", "pw-amy")
			amyIdentity, history := amy.expectAuthenticated(t, "amy")
			assert.Empty(t, history)
			waitRegistered(t, srv.Registry(), 1)

			bob := tr.connect(t, srv)
			bob.send(t, protocol.OpRegister, "bob", "pw-bob")
			bobIdentity, _ := bob.expectAuthenticated(t, "bob")
			bob.expect(t, protocol.OpConnected, "amy", amyIdentity)
			amy.expect(t, protocol.OpConnected, "bob", bobIdentity)

			amy.send(t, protocol.OpMessage, "hi")
			for _, c := range []*testClient{amy, bob} {
				line, ok := protocol.ParseChatLine(c.expect(t, protocol.OpMessage).Field(0), nil)
				require.True(t, ok)
				assert.Equal(t, "amy", line.Sender)
				assert.Equal(t, "hi", line.Content)
				assert.WithinDuration(t, time.Now(), line.SentAt, time.Minute)
			}

			bob.send(t, protocol.OpDisconnect, "bob")
			bob.expectClosed(t)
			amy.expect(t, protocol.OpDisconnected, bobIdentity, "bob")
			amy.expect(t, protocol.OpMessage, "System: User bob disconnected.")
		})
	}
}

func TestJourneyHistoryForLateJoiner(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			srv := startJourneyServer(t)

			amy := tr.connect(t, srv)
			amy.send(t, protocol.OpRegister, "amy", "pw")
			amy.expectAuthenticated(t, "amy")
			for i := 1; i <= 3; i++ {
				amy.send(t, protocol.OpMessage, fmt.Sprintf("line %d", i))
				amy.expect(t, protocol.OpMessage)
			}

			cat := tr.connect(t, srv)
			cat.send(t, protocol.OpRegister, "cat", "pw")
			_, history := cat.expectAuthenticated(t, "cat")
			require.Len(t, history, 3)
			for i, text := range history {
				line, ok := protocol.ParseChatLine(text, nil)
				require.True(t, ok)
				assert.Equal(t, fmt.Sprintf("line %d", i+1), line.Content)
			}
			cat.expect(t, protocol.OpConnected)
		})
	}
}

func TestJourneyReloginAfterLogout(t *testing.T) {
	srv := startJourneyServer(t)
	tcp := allTransports()[0]

	amy := tcp.connect(t, srv)
	amy.send(t, protocol.OpRegister, "amy", "pw")
	identity, _ := amy.expectAuthenticated(t, "amy")

	amy.send(t, protocol.OpLogout, "amy")
	amy.send(t, protocol.OpLogin, "amy", "wrong")
	amy.expect(t, protocol.OpAuthFailed, "Invalid username or password")
	amy.send(t, protocol.OpLogin, "amy", "pw")
	again, _ := amy.expectAuthenticated(t, "amy")
	assert.Equal(t, identity, again)
	waitRegistered(t, srv.Registry(), 1)

	// A second connection sees amy as a member
	bob := tcp.connect(t, srv)
	bob.send(t, protocol.OpRegister, "bob", "pw")
	bob.expectAuthenticated(t, "bob")
	bob.expect(t, protocol.OpConnected, "amy", identity)
}

func TestJourneyIdentifyWithoutPassword(t *testing.T) {
	srv := startJourneyServer(t)
	tcp := allTransports()[0]

	first := tcp.connect(t, srv)
	first.send(t, protocol.OpRegister, "amy", "pw")
	identity, _ := first.expectAuthenticated(t, "amy")
	first.send(t, protocol.OpDisconnect, "amy")
	first.expectClosed(t)

	second := tcp.connect(t, srv)
	second.send(t, protocol.OpIdentify, "nobody")
	second.expect(t, protocol.OpAuthFailed, "User 'nobody' not found.")
	second.send(t, protocol.OpIdentify, "amy")
	again, _ := second.expectAuthenticated(t, "amy")
	assert.Equal(t, identity, again)
}

func TestJourneyMixedTransports(t *testing.T) {
	srv := startJourneyServer(t)
	transports := allTransports()

	amy := transports[0].connect(t, srv)
	amy.send(t, protocol.OpRegister, "amy", "pw")
	amy.expectAuthenticated(t, "amy")
	waitRegistered(t, srv.Registry(), 1)

	bob := transports[1].connect(t, srv)
	bob.send(t, protocol.OpRegister, "bob", "pw")
	bob.expectAuthenticated(t, "bob")
	bob.expect(t, protocol.OpConnected)
	amy.expect(t, protocol.OpConnected)

	bob.send(t, protocol.OpMessage, "from the browser")
	line, ok := protocol.ParseChatLine(amy.expect(t, protocol.OpMessage).Field(0), nil)
	require.True(t, ok)
	assert.Equal(t, "bob", line.Sender)
}

func TestJourneyEvents(t *testing.T) {
	srv := startJourneyServer(t)
	tcp := allTransports()[0]

	amy := tcp.connect(t, srv)
	amy.send(t, protocol.OpRegister, "amy", "pw")
	amy.expectAuthenticated(t, "amy")
	amy.send(t, protocol.OpMessage, "hello")
	amy.expect(t, protocol.OpMessage)
	amy.send(t, protocol.OpDisconnect, "amy")
	amy.expectClosed(t)

	var kinds []EventKind
	timeout := time.After(testTimeout)
	for len(kinds) < 3 {
		select {
		case ev := <-srv.Events():
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("got events %v", kinds)
		}
	}
	assert.Equal(t, []EventKind{EventUserJoined, EventMessage, EventUserLeft}, kinds)
}

func TestStopClosesSessions(t *testing.T) {
	srv := startJourneyServer(t)
	tcp := allTransports()[0]

	amy := tcp.connect(t, srv)
	amy.send(t, protocol.OpRegister, "amy", "pw")
	amy.expectAuthenticated(t, "amy")
	idle := tcp.connect(t, srv)

	require.NoError(t, srv.Stop())
	amy.expectClosed(t)
	idle.expectClosed(t)
	assert.Zero(t, srv.Registry().Len())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, srv.Stop(), "stop is idempotent")
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	srv := startJourneyServer(t)
	amy := allTransports()[0].connect(t, srv)
	amy.send(t, protocol.OpRegister, "amy", "pw")
	amy.expectAuthenticated(t, "amy")
	waitRegistered(t, srv.Registry(), 1)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.MetricsAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["registered"])

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", srv.MetricsAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chat_connections_total{transport="tcp"} 1`)
	assert.Contains(t, string(body), `chat_auth_attempts_total{operation="register",result="success"} 1`)
}
