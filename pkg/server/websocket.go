package server

import (
	"net/http"

	"github.com/NexLiR/Messanger/pkg/transport"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from other origins; there is no cookie auth to protect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the chat protocol over it.
// Frames travel in binary messages; the session sees a plain byte stream.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	sess, ok := s.admit(transport.NewWebSocketConn(ws), "websocket")
	if !ok {
		return
	}
	s.serve(sess)
}
