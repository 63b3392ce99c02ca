package server

import (
	"context"
	"errors"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"go.uber.org/zap"
)

const deliveryFailedNotice = "System: Your message could not be delivered."

// operations holds the collaborators shared by the client opcode handlers
type operations struct {
	auth     *AuthGateway
	pipeline *MessagePipeline
	history  *HistoryReplay
	registry *Registry
}

// RegisterOperations binds every client opcode handler to d
func RegisterOperations(d *Dispatcher, auth *AuthGateway, pipeline *MessagePipeline, history *HistoryReplay, registry *Registry) {
	ops := &operations{auth: auth, pipeline: pipeline, history: history, registry: registry}

	d.Register(protocol.OpConnect, OperationFunc(ops.handleLegacyConnect))
	d.Register(protocol.OpRegister, OperationFunc(ops.handleRegister))
	d.Register(protocol.OpLogin, OperationFunc(ops.handleLogin))
	d.Register(protocol.OpIdentify, OperationFunc(ops.handleIdentify))
	d.Register(protocol.OpMessage, OperationFunc(ops.handleMessage))
	d.Register(protocol.OpLogout, OperationFunc(ops.handleLogout))
	d.Register(protocol.OpDisconnect, OperationFunc(ops.handleDisconnect))
}

func (o *operations) handleRegister(ctx context.Context, sess *Session, r *protocol.Reader) error {
	fields, err := r.ReadFields(2)
	if err != nil {
		return err
	}
	username, password := fields[0], fields[1]

	if sess.IsAuthenticated() {
		return o.auth.SendFailure(sess, "register", authError(ErrAlreadyAuthenticated, sess.Username()))
	}

	user, err := o.auth.Register(ctx, username, password)
	if err != nil {
		return o.auth.SendFailure(sess, "register", err)
	}
	sess.Logger().Info("user registered", zap.String("username", user.Username))
	return o.attach(ctx, sess, "register", user)
}

func (o *operations) handleLogin(ctx context.Context, sess *Session, r *protocol.Reader) error {
	fields, err := r.ReadFields(2)
	if err != nil {
		return err
	}
	username, password := fields[0], fields[1]

	if sess.IsAuthenticated() {
		return o.auth.SendFailure(sess, "login", authError(ErrAlreadyAuthenticated, sess.Username()))
	}

	user, err := o.auth.Login(ctx, username, password)
	if err != nil {
		return o.auth.SendFailure(sess, "login", err)
	}
	return o.attach(ctx, sess, "login", user)
}

// handleIdentify attaches by name only. A session already authenticated as
// the same user gets its AUTH_SUCCESS and history again without rejoining.
func (o *operations) handleIdentify(ctx context.Context, sess *Session, r *protocol.Reader) error {
	username, err := r.ReadField()
	if err != nil {
		return err
	}

	if sess.IsAuthenticated() {
		if sess.Username() != username {
			return o.auth.SendFailure(sess, "identify", authError(ErrAlreadyAuthenticated, sess.Username()))
		}
		user, err := o.auth.Identify(ctx, username)
		if err != nil {
			return o.auth.SendFailure(sess, "identify", err)
		}
		if err := o.auth.SendSuccess(sess, "identify", user); err != nil {
			return err
		}
		return o.history.Replay(ctx, sess)
	}

	user, err := o.auth.Identify(ctx, username)
	if err != nil {
		return o.auth.SendFailure(sess, "identify", err)
	}
	return o.attach(ctx, sess, "identify", user)
}

// attach completes a successful authentication: AUTH_SUCCESS, history,
// registry membership, then the join broadcast. Nothing after AUTH_SUCCESS
// can refuse the attach: a live session already holding the identity is
// taken over, not raced.
func (o *operations) attach(ctx context.Context, sess *Session, operation string, user *database.User) error {
	if !sess.authenticate(user) {
		// Only a session that is shutting down refuses the transition
		return ErrSessionClosed
	}
	if err := o.auth.SendSuccess(sess, operation, user); err != nil {
		return err
	}
	if err := o.history.Replay(ctx, sess); err != nil {
		return err
	}

	prev, err := o.registry.Replace(sess)
	if err != nil {
		return err
	}
	if prev == nil {
		if current, ok := o.registry.Get(user.Identity); ok && current == sess {
			o.registry.BroadcastJoin(user.Identity)
		}
		return nil
	}

	o.evict(prev, user)
	sess.Logger().Info("session took over identity",
		zap.String("operation", operation),
		zap.Uint64("previous_session_id", prev.ID))
	return o.registry.SendRoster(sess)
}

// evict returns a displaced session to Unauthenticated and tells it, with a
// DISCONNECTED frame for its own identity, that it no longer holds the name.
// Its connection stays open; peers see no change of membership.
func (o *operations) evict(prev *Session, user *database.User) {
	prev.deauthenticate()
	if err := prev.Send(protocol.OpDisconnected, user.Identity.String(), user.Username); err != nil {
		prev.Logger().Debug("eviction notice not delivered", zap.Error(err))
	}
}

func (o *operations) handleMessage(ctx context.Context, sess *Session, r *protocol.Reader) error {
	text, err := r.ReadField()
	if err != nil {
		return err
	}

	if !sess.IsAuthenticated() {
		return o.auth.SendFailure(sess, "message", authError(ErrAuthRequired, ""))
	}

	err = o.pipeline.Process(ctx, sess, text)
	var perr *PersistenceError
	if errors.As(err, &perr) {
		sess.Logger().Error("message not persisted", zap.Error(err))
		return sess.Send(protocol.OpMessage, deliveryFailedNotice)
	}
	return err
}

// handleLogout leaves the registry and returns the session to
// Unauthenticated. The connection stays open for another login.
func (o *operations) handleLogout(ctx context.Context, sess *Session, r *protocol.Reader) error {
	username, err := r.ReadField()
	if err != nil {
		return err
	}

	if !sess.IsAuthenticated() {
		sess.Logger().Debug("logout ignored for unauthenticated session", zap.String("claimed", username))
		return nil
	}
	if username != sess.Username() {
		sess.Logger().Warn("logout username mismatch", zap.String("claimed", username))
	}

	o.registry.Leave(sess)
	sess.deauthenticate()
	sess.Logger().Info("user logged out", zap.String("username", username))
	return nil
}

func (o *operations) handleDisconnect(ctx context.Context, sess *Session, r *protocol.Reader) error {
	username, err := r.ReadField()
	if err != nil {
		return err
	}
	sess.Logger().Info("disconnect requested", zap.String("claimed", username))
	return ErrClientDisconnecting
}

// handleLegacyConnect consumes the old CONNECT frame so the stream stays in
// sync. It has no effect on the session.
func (o *operations) handleLegacyConnect(ctx context.Context, sess *Session, r *protocol.Reader) error {
	username, err := r.ReadField()
	if err != nil {
		return err
	}
	sess.Logger().Warn("ignoring legacy CONNECT", zap.String("claimed", username))
	return nil
}
