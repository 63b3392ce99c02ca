package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// TestMigrationPath validates each migration step from an empty database.
//
// When adding migration N, add a case for N-1 → N with data in the old schema.
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		fromVersion    int
		toVersion      int
		setupData      func(db *sql.DB) error
		validateData   func(db *sql.DB, t *testing.T)
		validateSchema func(db *sql.DB, t *testing.T)
	}{
		{
			name:        "v0 → v1: users and messages",
			fromVersion: 0,
			toVersion:   1,
			setupData: func(db *sql.DB) error {
				return nil
			},
			validateData: func(db *sql.DB, t *testing.T) {},
			validateSchema: func(db *sql.DB, t *testing.T) {
				for _, table := range []string{"Users", "Messages", "schema_migrations"} {
					requireObject(t, db, "table", table)
				}
				for _, col := range []string{"id", "username", "identity", "password_hash", "created_at"} {
					requireColumn(t, db, "Users", col)
				}
				for _, col := range []string{"id", "content", "sent_at", "sender_id", "recipient_id", "is_broadcast"} {
					requireColumn(t, db, "Messages", col)
				}
			},
		},
		{
			name:        "v1 → v2: history index",
			fromVersion: 1,
			toVersion:   2,
			setupData: func(db *sql.DB) error {
				now := time.Now().UnixMilli()
				if _, err := db.Exec(`
					INSERT INTO Users (id, username, identity, password_hash, created_at)
					VALUES (1, 'amy', '5f0c3a62-6c4f-4f7e-9b1e-1f4f0f2b9c11', 'h', ?)
				`, now); err != nil {
					return err
				}
				_, err := db.Exec(`
					INSERT INTO Messages (content, sent_at, sender_id, is_broadcast)
					VALUES ('before index', ?, 1, 1)
				`, now)
				return err
			},
			validateData: func(db *sql.DB, t *testing.T) {
				var content string
				if err := db.QueryRow(`SELECT content FROM Messages WHERE sender_id = 1`).Scan(&content); err != nil {
					t.Fatalf("Failed to query message: %v", err)
				}
				if content != "before index" {
					t.Errorf("Expected 'before index', got %q", content)
				}
			},
			validateSchema: func(db *sql.DB, t *testing.T) {
				requireObject(t, db, "index", "idx_messages_broadcast_sent")
				requireObject(t, db, "index", "idx_messages_sender")
			},
		},
	}

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
			if err != nil {
				t.Fatalf("Failed to open database: %v", err)
			}
			defer conn.Close()

			if err := migrateTo(conn, tt.fromVersion); err != nil {
				t.Fatalf("Failed to migrate to v%d: %v", tt.fromVersion, err)
			}
			if err := tt.setupData(conn); err != nil {
				t.Fatalf("Failed to set up data: %v", err)
			}
			if err := migrateTo(conn, tt.toVersion); err != nil {
				t.Fatalf("Failed to migrate to v%d: %v", tt.toVersion, err)
			}

			version, err := schemaVersion(conn)
			if err != nil {
				t.Fatalf("Failed to read version: %v", err)
			}
			if version != tt.toVersion {
				t.Errorf("Expected version %d, got %d", tt.toVersion, version)
			}

			tt.validateSchema(conn, t)
			tt.validateData(conn, t)
		})
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	user, err := db.CreateUser(context.Background(), "amy", "h")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	got, err := db.GetUserByUsername(context.Background(), "amy")
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if got.Identity != user.Identity {
		t.Errorf("identity changed across reopen: %s != %s", got.Identity, user.Identity)
	}

	version, err := schemaVersion(db.conn)
	if err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("Expected version %d, got %d", latestVersion(), version)
	}
}

func requireObject(t *testing.T, db *sql.DB, kind, name string) {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check %s %s: %v", kind, name, err)
	}
	if count != 1 {
		t.Errorf("%s %s not found", kind, name)
	}
}

func requireColumn(t *testing.T, db *sql.DB, table, col string) {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, col).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check column %s.%s: %v", table, col, err)
	}
	if count != 1 {
		t.Errorf("Column %s not found in %s", col, table)
	}
}
