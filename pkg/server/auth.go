package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// bcrypt ignores everything past 72 bytes; longer passwords are rejected
const maxPasswordBytes = 72

// UserStore is the user repository contract
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*database.User, error)
	GetUserByUsername(ctx context.Context, username string) (*database.User, error)
	GetUserByIdentity(ctx context.Context, identity uuid.UUID) (*database.User, error)
}

// AuthGateway registers, logs in and identifies users against the user store
type AuthGateway struct {
	users   UserStore
	cost    int
	logger  *zap.Logger
	metrics *Metrics
}

// NewAuthGateway creates a gateway hashing with the given bcrypt cost
func NewAuthGateway(users UserStore, cost int, logger *zap.Logger, metrics *Metrics) *AuthGateway {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthGateway{users: users, cost: cost, logger: logger, metrics: metrics}
}

// Register creates a new account and returns it
func (g *AuthGateway) Register(ctx context.Context, username, password string) (*database.User, error) {
	if !usernameRegex.MatchString(username) {
		return nil, authError(ErrInvalidUsername, username)
	}
	if len(password) == 0 || len(password) > maxPasswordBytes {
		return nil, authError(ErrInvalidPassword, username)
	}

	if _, err := g.users.GetUserByUsername(ctx, username); err == nil {
		return nil, authError(ErrDuplicateUsername, username)
	} else if !errors.Is(err, database.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup %q: %w", username, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := g.users.CreateUser(ctx, username, string(hash))
	if errors.Is(err, database.ErrDuplicateUsername) {
		// Lost a race with a concurrent registration
		return nil, authError(ErrDuplicateUsername, username)
	}
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return user, nil
}

// Login verifies username and password
func (g *AuthGateway) Login(ctx context.Context, username, password string) (*database.User, error) {
	user, err := g.users.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, authError(ErrInvalidCredentials, username)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, authError(ErrInvalidCredentials, username)
	}
	return user, nil
}

// Identify looks up an existing user by name without a password
func (g *AuthGateway) Identify(ctx context.Context, username string) (*database.User, error) {
	user, err := g.users.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, authError(ErrUserNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", username, err)
	}
	return user, nil
}

// SendSuccess tells the client it is authenticated as user
func (g *AuthGateway) SendSuccess(sess *Session, operation string, user *database.User) error {
	g.metrics.RecordAuthAttempt(operation, true)
	sess.Logger().Info("authenticated", zap.String("operation", operation))
	return sess.Send(protocol.OpAuthSuccess, user.Username, user.Identity.String())
}

// SendFailure reports err to the client. AuthErrors carry their own reason;
// anything else is logged and reported generically.
func (g *AuthGateway) SendFailure(sess *Session, operation string, err error) error {
	g.metrics.RecordAuthAttempt(operation, false)

	var authErr *AuthError
	var reason string
	if errors.As(err, &authErr) {
		reason = authErr.Reason()
		sess.Logger().Info("auth rejected", zap.String("operation", operation), zap.Error(err))
	} else {
		reason = internalFailureReason(operation)
		sess.Logger().Error("auth failed", zap.String("operation", operation), zap.Error(err))
	}
	return sess.Send(protocol.OpAuthFailed, reason)
}

func internalFailureReason(operation string) string {
	switch operation {
	case "register":
		return "Registration failed: internal error"
	case "login":
		return "Login failed: internal error"
	default:
		return "Identification failed: internal error"
	}
}
