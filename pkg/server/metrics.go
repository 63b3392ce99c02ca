package server

import (
	"net/http"

	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns its own
// registry so several servers can run in one process (tests).
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions         prometheus.Gauge
	registeredSessions     prometheus.Gauge
	connectionsTotal       *prometheus.CounterVec
	framesReceived         *prometheus.CounterVec
	framesSent             *prometheus.CounterVec
	protocolErrors         prometheus.Counter
	unknownOpcodes         prometheus.Counter
	authAttempts           *prometheus.CounterVec
	messagesProcessed      *prometheus.CounterVec
	broadcastFanout        prometheus.Histogram
	broadcastWriteFailures prometheus.Counter
	historyFramesSent      prometheus.Counter
	eventsDropped          prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Number of open connections, authenticated or not",
		}),
		registeredSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_registered_sessions",
			Help: "Number of authenticated sessions in the client registry",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_received_total",
			Help: "Frames received by opcode",
		}, []string{"opcode"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_sent_total",
			Help: "Frames sent by opcode",
		}, []string{"opcode"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_protocol_errors_total",
			Help: "Connections terminated by malformed frames",
		}),
		unknownOpcodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_unknown_opcodes_total",
			Help: "Frames skipped because their opcode has no operation",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_auth_attempts_total",
			Help: "Register, login and identify attempts by outcome",
		}, []string{"operation", "result"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_processed_total",
			Help: "Inbound chat messages by pipeline outcome",
		}, []string{"result"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_broadcast_fanout",
			Help:    "Receivers per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		broadcastWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_write_failures_total",
			Help: "Failed writes to individual receivers during broadcast",
		}),
		historyFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_history_frames_sent_total",
			Help: "History lines replayed to clients",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_events_dropped_total",
			Help: "Server events dropped because no consumer kept up",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.registeredSessions,
		m.connectionsTotal,
		m.framesReceived,
		m.framesSent,
		m.protocolErrors,
		m.unknownOpcodes,
		m.authAttempts,
		m.messagesProcessed,
		m.broadcastFanout,
		m.broadcastWriteFailures,
		m.historyFramesSent,
		m.eventsDropped,
	)
	return m
}

// Handler serves this registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRegisteredSessions(n int) {
	if m == nil {
		return
	}
	m.registeredSessions.Set(float64(n))
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordFrameReceived(op protocol.Opcode) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) RecordFrameSent(op protocol.Opcode) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) RecordUnknownOpcode() {
	if m == nil {
		return
	}
	m.unknownOpcodes.Inc()
}

func (m *Metrics) RecordAuthAttempt(operation string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.authAttempts.WithLabelValues(operation, result).Inc()
}

// RecordMessageProcessed counts pipeline outcomes: delivered, rejected or failed
func (m *Metrics) RecordMessageProcessed(result string) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordBroadcast(receivers, failures int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(receivers))
	m.broadcastWriteFailures.Add(float64(failures))
}

func (m *Metrics) RecordHistoryFrames(n int) {
	if m == nil {
		return
	}
	m.historyFramesSent.Add(float64(n))
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
