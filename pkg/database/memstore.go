package database

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory user and message store with the same contract as DB.
// Used when no database file is configured and in tests.
type MemStore struct {
	mu sync.RWMutex

	users    map[int64]*User
	messages []*Message // append-only, in insertion order

	// Indexes for fast lookups
	usersByName     map[string]int64
	usersByIdentity map[uuid.UUID]int64

	nextUserID    int64
	nextMessageID int64

	now func() int64
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		users:           make(map[int64]*User),
		usersByName:     make(map[string]int64),
		usersByIdentity: make(map[uuid.UUID]int64),
		nextUserID:      1,
		nextMessageID:   1,
		now:             nowMillis,
	}
}

// SetClock overrides the millisecond clock used for timestamps.
func (m *MemStore) SetClock(now func() int64) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Close is a no-op; it lets MemStore stand in for DB.
func (m *MemStore) Close() error {
	return nil
}

// CreateUser inserts a new user with a fresh identity
func (m *MemStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usersByName[username]; exists {
		return nil, ErrDuplicateUsername
	}

	user := &User{
		ID:           m.nextUserID,
		Identity:     uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    m.now(),
	}
	m.nextUserID++

	m.users[user.ID] = user
	m.usersByName[username] = user.ID
	m.usersByIdentity[user.Identity] = user.ID

	copied := *user
	return &copied, nil
}

// GetUserByUsername returns the user with the given username or ErrUserNotFound
func (m *MemStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *m.users[id]
	return &copied, nil
}

// GetUserByIdentity returns the user with the given identity or ErrUserNotFound
func (m *MemStore) GetUserByIdentity(ctx context.Context, identity uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByIdentity[identity]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *m.users[id]
	return &copied, nil
}

// SaveMessage persists a message. A nil recipient makes it a broadcast.
func (m *MemStore) SaveMessage(ctx context.Context, content string, senderID int64, recipientID *int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.users[senderID]
	if !ok {
		return nil, ErrUnknownSender
	}
	if recipientID != nil {
		if _, ok := m.users[*recipientID]; !ok {
			return nil, ErrUserNotFound
		}
	}

	msg := &Message{
		ID:          m.nextMessageID,
		Content:     content,
		SentAt:      m.now(),
		SenderID:    senderID,
		SenderName:  sender.Username,
		RecipientID: recipientID,
		IsBroadcast: recipientID == nil,
	}
	m.nextMessageID++
	m.messages = append(m.messages, msg)

	copied := *msg
	return &copied, nil
}

// RecentBroadcastMessages returns up to limit broadcast messages, newest first
func (m *MemStore) RecentBroadcastMessages(ctx context.Context, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.IsBroadcast {
			copied := *msg
			result = append(result, &copied)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].SentAt != result[j].SentAt {
			return result[i].SentAt > result[j].SentAt
		}
		return result[i].ID > result[j].ID
	})

	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
