package server

import (
	"context"
	"errors"
	"strings"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"go.uber.org/zap"
)

// MessageStore is the message repository contract
type MessageStore interface {
	SaveMessage(ctx context.Context, content string, senderID int64, recipientID *int64) (*database.Message, error)
	RecentBroadcastMessages(ctx context.Context, limit int) ([]*database.Message, error)
}

// Inbound carries one chat message through the pipeline. Stages fill in
// Sender, Saved and Line as they run.
type Inbound struct {
	Session *Session
	Text    string
	Sender  *database.User
	Saved   *database.Message
	Line    string
}

// Stage is one step of the pipeline. Returning false stops the chain
// without an error.
type Stage struct {
	Name string
	Run  func(ctx context.Context, in *Inbound) (bool, error)
}

// MessagePipeline runs every inbound chat message through its stages in order:
// validate, resolve sender, persist, broadcast, log.
type MessagePipeline struct {
	stages  []Stage
	logger  *zap.Logger
	metrics *Metrics
}

// PipelineDeps are the collaborators of the default stages
type PipelineDeps struct {
	Users            UserStore
	Messages         MessageStore
	Registry         *Registry
	MaxMessageLength int // bytes, 0 for no limit
	Logger           *zap.Logger
	Metrics          *Metrics
}

// NewMessagePipeline composes the default stages
func NewMessagePipeline(deps PipelineDeps) *MessagePipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &MessagePipeline{logger: logger, metrics: deps.Metrics}
	p.stages = []Stage{
		{Name: "validate", Run: p.validate(deps.MaxMessageLength)},
		{Name: "resolve_sender", Run: p.resolveSender(deps.Users)},
		{Name: "persist", Run: p.persist(deps.Messages)},
		{Name: "broadcast", Run: p.broadcast(deps.Registry)},
		{Name: "log", Run: p.logDelivered},
	}
	return p
}

// NewMessagePipelineWithStages builds a pipeline from explicit stages
func NewMessagePipelineWithStages(logger *zap.Logger, metrics *Metrics, stages ...Stage) *MessagePipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagePipeline{stages: stages, logger: logger, metrics: metrics}
}

// StageNames lists the stages in execution order
func (p *MessagePipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name
	}
	return names
}

// Process runs text from sess through the stages. Only persistence failures
// are returned, as *PersistenceError.
func (p *MessagePipeline) Process(ctx context.Context, sess *Session, text string) error {
	in := &Inbound{Session: sess, Text: text}
	for _, stage := range p.stages {
		cont, err := stage.Run(ctx, in)
		if err != nil {
			p.metrics.RecordMessageProcessed("failed")
			return err
		}
		if !cont {
			p.metrics.RecordMessageProcessed("rejected")
			sess.Logger().Debug("message stopped", zap.String("stage", stage.Name))
			return nil
		}
	}
	p.metrics.RecordMessageProcessed("delivered")
	return nil
}

func (p *MessagePipeline) validate(maxLength int) func(context.Context, *Inbound) (bool, error) {
	return func(ctx context.Context, in *Inbound) (bool, error) {
		switch {
		case strings.TrimSpace(in.Text) == "":
			in.Session.Logger().Info("rejected empty message")
			return false, nil
		case !in.Session.IsAuthenticated():
			in.Session.Logger().Info("rejected message from unauthenticated session")
			return false, nil
		case maxLength > 0 && len(in.Text) > maxLength:
			in.Session.Logger().Info("rejected oversized message",
				zap.Int("length", len(in.Text)),
				zap.Int("max", maxLength))
			return false, nil
		}
		return true, nil
	}
}

func (p *MessagePipeline) resolveSender(users UserStore) func(context.Context, *Inbound) (bool, error) {
	return func(ctx context.Context, in *Inbound) (bool, error) {
		user, err := users.GetUserByIdentity(ctx, in.Session.Identity())
		if err != nil {
			if !errors.Is(err, database.ErrUserNotFound) {
				in.Session.Logger().Error("sender lookup failed", zap.Error(err))
			} else {
				in.Session.Logger().Warn("authenticated session has no user record")
			}
			return false, nil
		}
		in.Sender = user
		return true, nil
	}
}

func (p *MessagePipeline) persist(messages MessageStore) func(context.Context, *Inbound) (bool, error) {
	return func(ctx context.Context, in *Inbound) (bool, error) {
		saved, err := messages.SaveMessage(ctx, in.Text, in.Sender.ID, nil)
		if err != nil {
			return false, &PersistenceError{Op: "save message", Err: err}
		}
		in.Saved = saved
		return true, nil
	}
}

func (p *MessagePipeline) broadcast(registry *Registry) func(context.Context, *Inbound) (bool, error) {
	return func(ctx context.Context, in *Inbound) (bool, error) {
		in.Line = protocol.FormatChatLine(in.Saved.SentTime(), in.Sender.Username, in.Saved.Content)
		registry.BroadcastMessage(in.Line)
		return true, nil
	}
}

func (p *MessagePipeline) logDelivered(ctx context.Context, in *Inbound) (bool, error) {
	in.Session.Logger().Info("message processed",
		zap.Int64("message_id", in.Saved.ID),
		zap.Int("length", len(in.Text)))
	return true, nil
}
