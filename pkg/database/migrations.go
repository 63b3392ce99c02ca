package database

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; never edit one that has shipped, append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "initial users and messages",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS Users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				identity TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS Messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				content TEXT NOT NULL,
				sent_at INTEGER NOT NULL,
				sender_id INTEGER NOT NULL REFERENCES Users(id),
				recipient_id INTEGER REFERENCES Users(id),
				is_broadcast INTEGER NOT NULL DEFAULT 1
			)`,
		},
	},
	{
		version: 2,
		name:    "history lookup index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_messages_broadcast_sent ON Messages(is_broadcast, sent_at DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_sender ON Messages(sender_id)`,
		},
	},
}

// latestVersion is the schema version a fully migrated database reports.
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// runMigrations brings the schema up to date. Each migration runs in its own
// transaction together with its schema_migrations row.
func runMigrations(conn *sql.DB) error {
	return migrateTo(conn, latestVersion())
}

func migrateTo(conn *sql.DB, target int) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}
