package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// pragmas are passed through the DSN so every pooled connection gets them,
// not only the first one.
var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	// SQLite has foreign keys disabled by default
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema if needed
func Open(path string) (*DB, error) {
	conn, err := openPool(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY churn
	writeConn, err := openPool(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func openPool(path string) (*sql.DB, error) {
	params := make([]string, 0, len(pragmas))
	for _, pragma := range pragmas {
		params = append(params, "_pragma="+pragma)
	}
	pool, err := sql.Open("sqlite", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

// CreateUser inserts a new user with a fresh identity
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	user := &User{
		Identity:     uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}

	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Users (username, identity, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, user.Username, user.Identity.String(), user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "Users.username") {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	user.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// GetUserByUsername returns the user with the given username or ErrUserNotFound
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, identity, username, password_hash, created_at
		FROM Users WHERE username = ?
	`, username)
	return scanUser(row)
}

// GetUserByIdentity returns the user with the given identity or ErrUserNotFound
func (db *DB) GetUserByIdentity(ctx context.Context, identity uuid.UUID) (*User, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, identity, username, password_hash, created_at
		FROM Users WHERE identity = ?
	`, identity.String())
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var identity string
	err := row.Scan(&user.ID, &identity, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Identity, err = uuid.Parse(identity)
	if err != nil {
		return nil, fmt.Errorf("user %d has malformed identity: %w", user.ID, err)
	}
	return &user, nil
}

// SaveMessage persists a message. A nil recipient makes it a broadcast.
func (db *DB) SaveMessage(ctx context.Context, content string, senderID int64, recipientID *int64) (*Message, error) {
	msg := &Message{
		Content:     content,
		SentAt:      nowMillis(),
		SenderID:    senderID,
		RecipientID: recipientID,
		IsBroadcast: recipientID == nil,
	}

	var recipient sql.NullInt64
	if recipientID != nil {
		recipient = sql.NullInt64{Int64: *recipientID, Valid: true}
	}

	// The sender's name is read in the same transaction as the insert, so a
	// message is either stored with its name resolved or not stored at all.
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save message: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT username FROM Users WHERE id = ?`, senderID).Scan(&msg.SenderName)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownSender
	}
	if err != nil {
		return nil, fmt.Errorf("load sender name: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO Messages (content, sent_at, sender_id, recipient_id, is_broadcast)
		VALUES (?, ?, ?, ?, ?)
	`, msg.Content, msg.SentAt, msg.SenderID, recipient, msg.IsBroadcast)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return nil, ErrUnknownSender
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// RecentBroadcastMessages returns up to limit broadcast messages, newest first
func (db *DB) RecentBroadcastMessages(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT m.id, m.content, m.sent_at, m.sender_id, u.username, m.recipient_id, m.is_broadcast
		FROM Messages m
		JOIN Users u ON u.id = m.sender_id
		WHERE m.is_broadcast = 1
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// scanMessages is a helper to scan multiple message rows
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg := &Message{}
		var recipientID sql.NullInt64

		err := rows.Scan(
			&msg.ID,
			&msg.Content,
			&msg.SentAt,
			&msg.SenderID,
			&msg.SenderName,
			&recipientID,
			&msg.IsBroadcast,
		)
		if err != nil {
			return nil, err
		}

		if recipientID.Valid {
			msg.RecipientID = &recipientID.Int64
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") && strings.Contains(msg, column)
}
