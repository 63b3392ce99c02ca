package server

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a server notification
type EventKind int

const (
	EventUserJoined EventKind = iota + 1
	EventUserLeft
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventUserJoined:
		return "user_joined"
	case EventUserLeft:
		return "user_left"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a structured notification for observers of the server.
// Text is the formatted chat line for EventMessage.
type Event struct {
	Kind     EventKind
	Identity uuid.UUID
	Username string
	Text     string
	At       time.Time
}

// eventSink delivers events without ever blocking the emitter.
type eventSink struct {
	ch      chan Event
	metrics *Metrics
}

func newEventSink(buffer int, metrics *Metrics) *eventSink {
	return &eventSink{ch: make(chan Event, buffer), metrics: metrics}
}

func (e *eventSink) emit(ev Event) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
		e.metrics.RecordEventDropped()
	}
}
