package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUsername indicates the username is already registered.
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrUnknownSender indicates a message references a user that does not exist.
	ErrUnknownSender = errors.New("sender does not exist")
)

// User represents a registered account
type User struct {
	ID           int64
	Identity     uuid.UUID // Stable public identity, used as the registry key
	Username     string
	PasswordHash string // bcrypt hash
	CreatedAt    int64  // Unix timestamp in milliseconds
}

// Message represents a persisted chat message
type Message struct {
	ID          int64
	Content     string
	SentAt      int64 // Unix timestamp in milliseconds
	SenderID    int64
	SenderName  string // Joined from Users on reads
	RecipientID *int64 // nil for broadcast messages
	IsBroadcast bool
}

// SentTime returns SentAt as a local time.Time.
func (m *Message) SentTime() time.Time {
	return time.UnixMilli(m.SentAt)
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
