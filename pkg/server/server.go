package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	metricsLogInterval = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Store is everything the server needs from persistence
type Store interface {
	UserStore
	MessageStore
}

// Server accepts chat connections and runs one session per connection
type Server struct {
	config     ServerConfig
	store      Store
	logger     *zap.Logger
	metrics    *Metrics
	events     *eventSink
	registry   *Registry
	dispatcher *Dispatcher
	startTime  time.Time

	listener      net.Listener
	wsServer      *http.Server
	wsListener    net.Listener
	metricsServer *http.Server
	metricsLn     net.Listener

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex // Protects live and stopping
	live     map[*Session]struct{}
	stopping bool
	stopOnce sync.Once
	stopErr  error

	nextSessionID atomic.Uint64

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer wires the server components around store. The caller owns store
// and closes it after Stop.
func NewServer(config ServerConfig, store Store, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("server: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}

	metrics := NewMetrics()
	events := newEventSink(config.EventBuffer, metrics)
	registry := NewRegistry(logger.Named("registry"), metrics, events)
	auth := NewAuthGateway(store, config.BcryptCost, logger.Named("auth"), metrics)
	pipeline := NewMessagePipeline(PipelineDeps{
		Users:            store,
		Messages:         store,
		Registry:         registry,
		MaxMessageLength: config.MaxMessageLength,
		Logger:           logger.Named("pipeline"),
		Metrics:          metrics,
	})
	history := NewHistoryReplay(store, config.HistorySize, config.HistoryDelay, metrics)

	dispatcher := NewDispatcher()
	RegisterOperations(dispatcher, auth, pipeline, history, registry)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		events:     events,
		registry:   registry,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		live:       make(map[*Session]struct{}),
	}, nil
}

// Start opens the listeners and begins accepting connections
func (s *Server) Start() error {
	s.startTime = time.Now()

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.logger.Info("chat server listening", zap.String("addr", listener.Addr().String()))

	if s.config.WebSocketAddr != "" {
		if err := s.startWebSocket(); err != nil {
			listener.Close()
			return err
		}
	}

	if s.config.MetricsAddr != "" {
		if err := s.startMetricsServer(); err != nil {
			listener.Close()
			if s.wsListener != nil {
				s.wsListener.Close()
			}
			return err
		}
	}

	s.wg.Add(2)
	go s.metricsLoggingLoop()
	go s.acceptLoop()
	return nil
}

func (s *Server) startWebSocket() error {
	ln, err := net.Listen("tcp", s.config.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.WebSocketAddr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.wsListener = ln
	s.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server error", zap.Error(err))
		}
	}()
	s.logger.Info("websocket server listening", zap.String("addr", ln.Addr().String()), zap.String("path", "/ws"))
	return nil
}

// startMetricsServer serves /metrics and /health. It is meant for internal
// networks only.
func (s *Server) startMetricsServer() error {
	ln, err := net.Listen("tcp", s.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.metricsLn = ln
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	s.logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listeners and every live session, then waits for all
// connection goroutines to finish. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("graceful shutdown initiated")

		s.mu.Lock()
		s.stopping = true
		sessions := make([]*Session, 0, len(s.live))
		for sess := range s.live {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var g errgroup.Group
		for _, srv := range []*http.Server{s.wsServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			g.Go(func() error {
				return srv.Shutdown(ctx)
			})
		}

		s.logger.Info("closing client sessions", zap.Int("count", len(sessions)))
		for _, sess := range sessions {
			sess.Close()
		}

		s.stopErr = g.Wait()
		s.wg.Wait()
		s.logger.Info("graceful shutdown complete")
	})
	return s.stopErr
}

// Addr returns the chat listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the WebSocket listener address, nil when disabled
func (s *Server) WebSocketAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// MetricsAddr returns the metrics listener address, nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Events delivers join, leave and message notifications. Events are dropped
// when nobody drains the channel.
func (s *Server) Events() <-chan Event {
	return s.events.ch
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

// HealthHandler reports liveness and session counts as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := len(s.live)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": active,
		"registered":      s.registry.Len(),
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
	})
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		sess, ok := s.admit(conn, "tcp")
		if !ok {
			continue
		}
		go s.serve(sess)
	}
}

// admit creates a session for conn and reserves its slot in the WaitGroup.
// It refuses, and closes conn, once Stop has begun.
func (s *Server) admit(conn net.Conn, transport string) (*Session, bool) {
	sess := NewSession(conn, SessionOptions{
		ID:           s.nextSessionID.Add(1),
		Transport:    transport,
		WriteTimeout: s.config.WriteTimeout,
		Logger:       s.logger.Named("session"),
		Metrics:      s.metrics,
		OnClose:      s.cleanupSession,
	})

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return nil, false
	}
	s.live[sess] = struct{}{}
	active := len(s.live)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.RecordConnection(transport)
	s.metrics.RecordActiveSessions(active)
	s.connectionsSinceReport.Add(1)
	sess.Logger().Debug("new connection", zap.String("transport", transport))
	return sess, true
}

// serve runs the session read loop; the session's cleanup runs before it returns
func (s *Server) serve(sess *Session) {
	defer s.wg.Done()
	if err := sess.Serve(s.ctx, s.dispatcher, s.config.IdleTimeout); err != nil {
		sess.Logger().Debug("session ended with error", zap.Error(err))
	}
}

// cleanupSession runs once per session when its read loop exits
func (s *Server) cleanupSession(sess *Session) {
	if sess.isRegistered() {
		s.registry.Leave(sess)
	}

	s.mu.Lock()
	delete(s.live, sess)
	active := len(s.live)
	s.mu.Unlock()

	s.metrics.RecordActiveSessions(active)
	s.disconnectionsSinceReport.Add(1)
	sess.Logger().Debug("session cleaned up")
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			active := len(s.live)
			s.mu.Unlock()

			s.logger.Info("metrics",
				zap.Int("active_sessions", active),
				zap.Int("registered_sessions", s.registry.Len()),
				zap.Int64("connected_since_last", s.connectionsSinceReport.Swap(0)),
				zap.Int64("disconnected_since_last", s.disconnectionsSinceReport.Swap(0)),
				zap.Int("goroutines", runtime.NumGoroutine()))
		}
	}
}
