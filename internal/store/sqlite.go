// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/event/media persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// every caller sees the same data.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			label           TEXT NOT NULL,
			status          TEXT NOT NULL,
			webhook_url     TEXT,
			config_json     TEXT,
			qr_code         TEXT,
			last_qr_at      TEXT,
			connected_at    TEXT,
			disconnected_at TEXT,
			last_seen       TEXT,
			error_message   TEXT,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('initializing', 'qr_pending', 'connected', 'reconnecting', 'disconnected', 'logged_out', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			client_key          TEXT NOT NULL,
			direction           TEXT NOT NULL,
			status              TEXT NOT NULL,
			type                TEXT NOT NULL,
			recipient           TEXT,
			payload_json        TEXT,
			metadata_json       TEXT,
			protocol_message_id TEXT,
			queued_at           TEXT NOT NULL,
			processing_at       TEXT,
			sent_at             TEXT,
			delivered_at        TEXT,
			read_at             TEXT,
			failed_at           TEXT,
			attempts            INTEGER NOT NULL DEFAULT 0,
			max_attempts        INTEGER NOT NULL DEFAULT 5,
			error_message       TEXT,
			created_at          TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (status IN ('queued', 'processing', 'sent', 'delivered', 'read', 'failed', 'dlq'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_client_key
			ON messages(session_id, client_key);

		CREATE INDEX IF NOT EXISTS idx_messages_session_protocol_id
			ON messages(session_id, protocol_message_id);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			category     TEXT NOT NULL,
			payload_json TEXT,
			severity     TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

		CREATE TABLE IF NOT EXISTS media_attachments (
			id                  TEXT PRIMARY KEY,
			message_id          TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			session_id          TEXT NOT NULL,
			protocol_message_id TEXT,
			kind                TEXT NOT NULL,
			mime_type           TEXT,
			file_name           TEXT,
			original_name       TEXT,
			size                INTEGER NOT NULL DEFAULT 0,
			duration            REAL NOT NULL DEFAULT 0,
			url                 TEXT,
			created_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_media_message ON media_attachments(message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime renders a timestamp for storage, empty string for nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a nullable stored timestamp.
func parseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", *s, err)
	}
	return &t, nil
}

// mustParseTime parses a required stored timestamp.
func mustParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
