package server

import (
	"context"
	"time"

	"github.com/NexLiR/Messanger/pkg/protocol"
	"go.uber.org/zap"
)

// HistoryReplay streams recent broadcast messages to a newly attached session
type HistoryReplay struct {
	messages MessageStore
	limit    int
	delay    time.Duration // pause between lines
	metrics  *Metrics
}

// NewHistoryReplay creates a replayer sending up to limit messages
func NewHistoryReplay(messages MessageStore, limit int, delay time.Duration, metrics *Metrics) *HistoryReplay {
	return &HistoryReplay{messages: messages, limit: limit, delay: delay, metrics: metrics}
}

// Replay sends the most recent messages oldest-first as MESSAGE_HISTORY frames,
// then the end marker. A store failure is logged and only the marker is sent;
// write failures and cancellation are returned.
func (h *HistoryReplay) Replay(ctx context.Context, sess *Session) error {
	recent, err := h.messages.RecentBroadcastMessages(ctx, h.limit)
	if err != nil {
		sess.Logger().Error("failed to load message history", zap.Error(err))
		recent = nil
	}

	sent := 0
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		line := protocol.FormatChatLine(msg.SentTime(), msg.SenderName, msg.Content)
		if err := sess.Send(protocol.OpMessageHistory, line); err != nil {
			h.metrics.RecordHistoryFrames(sent)
			return err
		}
		sent++

		if h.delay > 0 {
			timer := time.NewTimer(h.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				h.metrics.RecordHistoryFrames(sent)
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	h.metrics.RecordHistoryFrames(sent)

	sess.Logger().Debug("history replayed", zap.Int("messages", sent))
	return sess.Send(protocol.OpMessageHistory, protocol.HistoryEndMarker)
}
