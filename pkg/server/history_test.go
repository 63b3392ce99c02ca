package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedMessages stores n broadcasts from one sender, one second apart
func seedMessages(t *testing.T, n int) *flakyStore {
	t.Helper()
	mem := database.NewMemStore()
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	mem.SetClock(func() int64 {
		clock += 1000
		return clock
	})
	ctx := context.Background()
	user, err := mem.CreateUser(ctx, "amy", "x")
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := mem.SaveMessage(ctx, fmt.Sprintf("msg %02d", i), user.ID, nil)
		require.NoError(t, err)
	}
	return &flakyStore{MemStore: mem}
}

func historyContents(t *testing.T, frames []*protocol.Frame) []string {
	t.Helper()
	var contents []string
	for _, frame := range frames {
		require.Equal(t, protocol.OpMessageHistory, frame.Opcode)
		line, ok := protocol.ParseChatLine(frame.Field(0), nil)
		if !ok {
			contents = append(contents, frame.Field(0))
			continue
		}
		assert.Equal(t, "amy", line.Sender)
		contents = append(contents, line.Content)
	}
	return contents
}

func TestReplaySendsNewestOldestFirst(t *testing.T) {
	store := seedMessages(t, 35)
	sess, conn := authenticatedSession(t, "bob")

	require.NoError(t, NewHistoryReplay(store, 30, 0, nil).Replay(context.Background(), sess))

	contents := historyContents(t, conn.frames(t))
	require.Len(t, contents, 31)
	assert.Equal(t, "msg 06", contents[0])
	assert.Equal(t, "msg 35", contents[29])
	assert.Equal(t, protocol.HistoryEndMarker, contents[30])
}

func TestReplayEmptyHistory(t *testing.T) {
	store := seedMessages(t, 0)
	sess, conn := authenticatedSession(t, "bob")

	require.NoError(t, NewHistoryReplay(store, 30, 0, nil).Replay(context.Background(), sess))
	assert.Equal(t, []string{protocol.HistoryEndMarker}, historyContents(t, conn.frames(t)))
}

func TestReplayStoreFailureStillEnds(t *testing.T) {
	store := seedMessages(t, 3)
	store.err = errors.New("no such table")
	sess, conn := authenticatedSession(t, "bob")

	require.NoError(t, NewHistoryReplay(store, 30, 0, nil).Replay(context.Background(), sess))
	assert.Equal(t, []string{protocol.HistoryEndMarker}, historyContents(t, conn.frames(t)))
}

func TestReplayAbortsOnWriteError(t *testing.T) {
	store := seedMessages(t, 3)
	sess, conn := authenticatedSession(t, "bob")
	conn.failWrites.Store(true)

	assert.Error(t, NewHistoryReplay(store, 30, 0, nil).Replay(context.Background(), sess))
}

func TestReplayHonoursCancellation(t *testing.T) {
	store := seedMessages(t, 5)
	sess, conn := authenticatedSession(t, "bob")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewHistoryReplay(store, 30, time.Hour, nil).Replay(ctx, sess)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, conn.frames(t), 1, "only the first line is written before the pause")
}

func TestReplayPacesLines(t *testing.T) {
	store := seedMessages(t, 4)
	sess, _ := authenticatedSession(t, "bob")

	start := time.Now()
	require.NoError(t, NewHistoryReplay(store, 30, 10*time.Millisecond, nil).Replay(context.Background(), sess))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
