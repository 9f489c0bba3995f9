// ABOUTME: Session persistence methods for the SQLite store
// ABOUTME: Handles CRUD, partial updates, and recovery candidate listing

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, label, status, webhook_url, config_json, qr_code, last_qr_at,
	connected_at, disconnected_at, last_seen, error_message, retry_count, created_at, updated_at`

// CreateSession persists a new session. Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = SessionDisconnected
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	var configJSON *string
	if session.Config != nil {
		data, err := json.Marshal(session.Config)
		if err != nil {
			return fmt.Errorf("marshaling session config: %w", err)
		}
		str := string(data)
		configJSON = &str
	}

	query := `
		INSERT INTO sessions (id, label, status, webhook_url, config_json, qr_code, last_qr_at,
			connected_at, disconnected_at, last_seen, error_message, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Label,
		session.Status,
		nullable(session.WebhookURL),
		configJSON,
		nullable(session.QRCode),
		formatTime(session.LastQRAt),
		formatTime(session.ConnectedAt),
		formatTime(session.DisconnectedAt),
		formatTime(session.LastSeen),
		nullable(session.ErrorMessage),
		session.RetryCount,
		session.CreatedAt.Format(time.RFC3339Nano),
		session.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "label", session.Label)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectSessions(rows)
}

// ListRecoverableSessions returns sessions whose stored status implies they
// should be live. A worker restart leaves sessions in 'disconnected' even
// though they should resume, so that status is included; logged_out and
// failed are excluded because they require explicit external action.
func (s *SQLiteStore) ListRecoverableSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status IN ('connected', 'reconnecting', 'qr_pending', 'initializing', 'disconnected')
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying recoverable sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectSessions(rows)
}

// UpdateSession applies a partial update and returns the updated session.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error) {
	var fields []string
	var params []any

	set := func(column string, value any) {
		fields = append(fields, column+" = ?")
		params = append(params, value)
	}

	if update.Label != nil {
		set("label", *update.Label)
	}
	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.WebhookURL != nil {
		set("webhook_url", nullable(*update.WebhookURL))
	}
	if update.Config != nil {
		data, err := json.Marshal(update.Config)
		if err != nil {
			return nil, fmt.Errorf("marshaling session config: %w", err)
		}
		set("config_json", string(data))
	}
	if update.QRCode != nil {
		set("qr_code", nullable(*update.QRCode))
	}
	if update.LastQRAt != nil {
		set("last_qr_at", formatTime(update.LastQRAt))
	}
	if update.ConnectedAt != nil {
		set("connected_at", formatTime(update.ConnectedAt))
	}
	if update.DisconnectedAt != nil {
		set("disconnected_at", formatTime(update.DisconnectedAt))
	}
	if update.LastSeen != nil {
		set("last_seen", formatTime(update.LastSeen))
	}
	if update.ErrorMessage != nil {
		set("error_message", nullable(*update.ErrorMessage))
	}
	if update.RetryCount != nil {
		set("retry_count", *update.RetryCount)
	}

	if len(fields) == 0 {
		return s.GetSession(ctx, id)
	}

	set("updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	params = append(params, id)

	query := `UPDATE sessions SET ` + strings.Join(fields, ", ") + ` WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetSession(ctx, id)
}

// DeleteSession removes a session and cascades to its messages and media.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted session", "id", id)
	return nil
}

// nullable converts an empty string to NULL for storage.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanSession scans a row into a Session.
func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var session Session
	var webhookURL, configJSON, qrCode, errorMessage *string
	var lastQRAt, connectedAt, disconnectedAt, lastSeen *string
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&session.ID,
		&session.Label,
		&session.Status,
		&webhookURL,
		&configJSON,
		&qrCode,
		&lastQRAt,
		&connectedAt,
		&disconnectedAt,
		&lastSeen,
		&errorMessage,
		&session.RetryCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if webhookURL != nil {
		session.WebhookURL = *webhookURL
	}
	if qrCode != nil {
		session.QRCode = *qrCode
	}
	if errorMessage != nil {
		session.ErrorMessage = *errorMessage
	}
	if configJSON != nil && *configJSON != "" {
		if err := json.Unmarshal([]byte(*configJSON), &session.Config); err != nil {
			return nil, fmt.Errorf("unmarshaling session config: %w", err)
		}
	}

	var err error
	if session.LastQRAt, err = parseTime(lastQRAt); err != nil {
		return nil, err
	}
	if session.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, err
	}
	if session.DisconnectedAt, err = parseTime(disconnectedAt); err != nil {
		return nil, err
	}
	if session.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if session.CreatedAt, err = mustParseTime(createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = mustParseTime(updatedAt); err != nil {
		return nil, err
	}

	return &session, nil
}

// collectSessions drains rows into a slice of sessions.
func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}
