package server

import (
	"fmt"
	"sync"

	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is the concurrent directory of authenticated sessions, keyed by
// identity. One mutex guards it; broadcasts take a snapshot under the lock
// and write to peers outside it.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID // insertion order, for deterministic fan-out

	logger  *zap.Logger
	metrics *Metrics
	events  *eventSink
}

// NewRegistry creates an empty registry. metrics and events may be nil.
func NewRegistry(logger *zap.Logger, metrics *Metrics, events *eventSink) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger,
		metrics:  metrics,
		events:   events,
	}
}

// Add inserts an authenticated session keyed by its identity
func (r *Registry) Add(sess *Session) error {
	id := sess.Identity()
	if id == uuid.Nil {
		return fmt.Errorf("add session %d: %w", sess.ID, ErrAuthRequired)
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.sessions[id] = sess
	r.order = append(r.order, id)
	count := len(r.sessions)
	sess.setRegistered(true)
	r.mu.Unlock()

	r.metrics.RecordRegisteredSessions(count)
	return nil
}

// Replace registers sess under its identity, displacing any other session
// that holds it. The displaced session is returned; it keeps no entry and
// its slot in the fan-out order passes to sess.
func (r *Registry) Replace(sess *Session) (*Session, error) {
	id := sess.Identity()
	if id == uuid.Nil {
		return nil, fmt.Errorf("replace session %d: %w", sess.ID, ErrAuthRequired)
	}

	r.mu.Lock()
	prev, exists := r.sessions[id]
	r.sessions[id] = sess
	if !exists {
		r.order = append(r.order, id)
	}
	count := len(r.sessions)
	if exists && prev != sess {
		prev.setRegistered(false)
	}
	sess.setRegistered(true)
	r.mu.Unlock()

	r.metrics.RecordRegisteredSessions(count)
	if !exists || prev == sess {
		return nil, nil
	}
	return prev, nil
}

// Remove deletes the entry for identity. Removing an absent identity is a no-op.
func (r *Registry) Remove(identity uuid.UUID) bool {
	_, ok := r.remove(identity, nil)
	return ok
}

// remove deletes identity if present and, when only is non-nil, only if the
// entry is that exact session.
func (r *Registry) remove(identity uuid.UUID, only *Session) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[identity]
	if !ok || (only != nil && sess != only) {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	count := len(r.sessions)
	sess.setRegistered(false)
	r.mu.Unlock()

	r.metrics.RecordRegisteredSessions(count)
	return sess, true
}

// Get returns the session registered under identity
func (r *Registry) Get(identity uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[identity]
	return sess, ok
}

// Snapshot returns the registered sessions in insertion order
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id])
	}
	return sessions
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BroadcastJoin announces identity to every other member and sends the
// newcomer one CONNECTED frame per existing member.
func (r *Registry) BroadcastJoin(identity uuid.UUID) {
	newcomer, ok := r.Get(identity)
	if !ok {
		return
	}
	name := newcomer.Username()

	announce, err := protocol.Encode(protocol.OpConnected, name, identity.String())
	if err != nil {
		r.logger.Error("encode join announcement", zap.Error(err))
		return
	}

	var dead []*Session
	newcomerAlive := true
	receivers := 0
	for _, peer := range r.Snapshot() {
		if peer == newcomer {
			continue
		}
		if newcomerAlive {
			if err := newcomer.Send(protocol.OpConnected, peer.Username(), peer.Identity().String()); err != nil {
				r.logger.Warn("roster write failed",
					zap.Uint64("session_id", newcomer.ID),
					zap.Error(err))
				newcomerAlive = false
				dead = append(dead, newcomer)
			}
		}
		if r.deliver(peer, protocol.OpConnected, announce) {
			receivers++
		} else {
			dead = appendDead(dead, peer)
		}
	}

	r.metrics.RecordBroadcast(receivers, len(dead))
	r.events.emit(Event{Kind: EventUserJoined, Identity: identity, Username: name})
	r.logger.Info("user joined", zap.String("username", name), zap.Stringer("identity", identity))
	r.reap(dead)
}

// SendRoster sends sess one CONNECTED frame per other member without
// announcing it to anyone.
func (r *Registry) SendRoster(sess *Session) error {
	for _, peer := range r.Snapshot() {
		if peer == sess {
			continue
		}
		if err := sess.Send(protocol.OpConnected, peer.Username(), peer.Identity().String()); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastMessage sends a MESSAGE frame with text to every registered session
func (r *Registry) BroadcastMessage(text string) {
	data, err := protocol.Encode(protocol.OpMessage, text)
	if err != nil {
		r.logger.Error("encode broadcast message", zap.Error(err))
		return
	}

	snapshot := r.Snapshot()
	dead := r.fanOut(snapshot, protocol.OpMessage, data)
	r.metrics.RecordBroadcast(len(snapshot)-len(dead), len(dead))
	r.events.emit(Event{Kind: EventMessage, Text: text})
	r.reap(dead)
}

// BroadcastDisconnect removes identity, then tells the remaining sessions it
// left with a DISCONNECTED frame followed by a system message.
func (r *Registry) BroadcastDisconnect(identity uuid.UUID) {
	r.leave(identity, nil)
}

// Leave is BroadcastDisconnect for a specific session: it does nothing if the
// identity has since been registered by a different session.
func (r *Registry) Leave(sess *Session) {
	r.leave(sess.Identity(), sess)
}

func (r *Registry) leave(identity uuid.UUID, only *Session) {
	gone, ok := r.remove(identity, only)
	if !ok {
		return
	}
	name := gone.Username()

	notice, err := protocol.Encode(protocol.OpDisconnected, identity.String(), name)
	if err != nil {
		r.logger.Error("encode leave notice", zap.Error(err))
		return
	}
	system, err := protocol.Encode(protocol.OpMessage, fmt.Sprintf("System: User %s disconnected.", name))
	if err != nil {
		r.logger.Error("encode leave message", zap.Error(err))
		return
	}

	snapshot := r.Snapshot()
	dead := r.fanOut(snapshot, protocol.OpDisconnected, notice)
	var alive []*Session
	for _, sess := range snapshot {
		if !containsSession(dead, sess) {
			alive = append(alive, sess)
		}
	}
	for _, sess := range r.fanOut(alive, protocol.OpMessage, system) {
		dead = appendDead(dead, sess)
	}

	r.metrics.RecordBroadcast(len(snapshot)-len(dead), len(dead))
	r.events.emit(Event{Kind: EventUserLeft, Identity: identity, Username: name})
	r.logger.Info("user left", zap.String("username", name), zap.Stringer("identity", identity))
	r.reap(dead)
}

// fanOut writes data to each session and returns those whose write failed.
// A failure never stops delivery to the rest.
func (r *Registry) fanOut(sessions []*Session, op protocol.Opcode, data []byte) []*Session {
	var dead []*Session
	for _, sess := range sessions {
		if !r.deliver(sess, op, data) {
			dead = append(dead, sess)
		}
	}
	return dead
}

// deliver writes one frame, reporting false for a failed receiver.
// Receivers already closed are skipped; their own read loop handles removal.
func (r *Registry) deliver(sess *Session, op protocol.Opcode, data []byte) bool {
	if sess.IsClosed() {
		return true
	}
	if err := sess.SendEncoded(op, data); err != nil {
		r.logger.Warn("broadcast write failed",
			zap.Uint64("session_id", sess.ID),
			zap.String("username", sess.Username()),
			zap.Stringer("opcode", op),
			zap.Error(err))
		return false
	}
	return true
}

// reap closes sessions whose writes failed and announces their departure.
// It runs after the pass that found them, so a pass never re-enters itself.
func (r *Registry) reap(dead []*Session) {
	for _, sess := range dead {
		sess.Close()
		r.leave(sess.Identity(), sess)
	}
}

func appendDead(dead []*Session, sess *Session) []*Session {
	if containsSession(dead, sess) {
		return dead
	}
	return append(dead, sess)
}

func containsSession(list []*Session, sess *Session) bool {
	for _, s := range list {
		if s == sess {
			return true
		}
	}
	return false
}
