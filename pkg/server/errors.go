package server

import (
	"errors"
	"fmt"

	"github.com/NexLiR/Messanger/pkg/protocol"
)

var (
	// ErrClientDisconnecting signals that the client requested disconnect.
	// It ends the read loop without being treated as a failure.
	ErrClientDisconnecting = errors.New("client disconnecting")

	ErrDuplicateUsername    = errors.New("duplicate username")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrAuthRequired         = errors.New("authentication required")
	ErrAlreadyRegistered    = errors.New("identity already registered")
	ErrSessionClosed        = errors.New("session closed")
)

// AuthError is a non-fatal authentication failure. Its Reason is sent to the
// client in an AUTH_FAILED frame; the connection stays open.
type AuthError struct {
	Kind     error
	Username string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %q: %v", e.Username, e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Kind }

// Reason is the human-readable text for the client.
func (e *AuthError) Reason() string {
	switch e.Kind {
	case ErrDuplicateUsername:
		return fmt.Sprintf("Username '%s' is already taken.", e.Username)
	case ErrInvalidCredentials:
		return "Invalid username or password"
	case ErrUserNotFound:
		return fmt.Sprintf("User '%s' not found.", e.Username)
	case ErrInvalidUsername:
		return "Username must be 3-32 characters: letters, digits, '.', '_' or '-'."
	case ErrInvalidPassword:
		return "Password must be between 1 and 72 bytes."
	case ErrAlreadyAuthenticated:
		return fmt.Sprintf("Already logged in as '%s'. Log out first.", e.Username)
	case ErrAuthRequired:
		return "You must authenticate first."
	default:
		return "Authentication failed"
	}
}

func authError(kind error, username string) *AuthError {
	return &AuthError{Kind: kind, Username: username}
}

// PersistenceError reports a failed repository call inside the message pipeline.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UnknownOpcodeError is returned by the dispatcher for unregistered opcodes.
type UnknownOpcodeError struct {
	Opcode protocol.Opcode
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode %d", uint8(e.Opcode))
}
