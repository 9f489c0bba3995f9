// ABOUTME: Message persistence methods with idempotent creation and status tracking
// ABOUTME: Guards the sent < delivered < read lifecycle against regressions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, session_id, client_key, direction, status, type, recipient,
	payload_json, metadata_json, protocol_message_id, queued_at, processing_at, sent_at,
	delivered_at, read_at, failed_at, attempts, max_attempts, error_message, created_at`

// CreateMessage persists a new message. The (session, client key) pair is
// unique; when a duplicate arrives the existing record is returned unchanged
// and created is false. This is the idempotency contract for enqueued sends.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = MessageQueued
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = 5
	}
	now := time.Now().UTC()
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = now
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	query := `
		INSERT INTO messages (id, session_id, client_key, direction, status, type, recipient,
			payload_json, metadata_json, protocol_message_id, queued_at, processing_at, sent_at,
			delivered_at, read_at, failed_at, attempts, max_attempts, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.ClientKey,
		msg.Direction,
		msg.Status,
		msg.Type,
		nullable(msg.Recipient),
		nullableRaw(msg.Payload),
		nullableRaw(msg.Metadata),
		nullable(msg.ProtocolMessageID),
		msg.QueuedAt.Format(time.RFC3339Nano),
		formatTime(msg.ProcessingAt),
		formatTime(msg.SentAt),
		formatTime(msg.DeliveredAt),
		formatTime(msg.ReadAt),
		formatTime(msg.FailedAt),
		msg.Attempts,
		msg.MaxAttempts,
		nullable(msg.ErrorMessage),
		msg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			existing, lookupErr := s.GetMessageByClientKey(ctx, msg.SessionID, msg.ClientKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("looking up duplicate message: %w", lookupErr)
			}
			s.logger.Debug("duplicate message detected",
				"session_id", msg.SessionID, "client_key", msg.ClientKey, "existing_id", existing.ID)
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "session_id", msg.SessionID, "type", msg.Type)
	return msg, true, nil
}

// GetMessage retrieves a message by its storage ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessageRow(row)
}

// GetMessageByClientKey retrieves a message by its idempotency key.
func (s *SQLiteStore) GetMessageByClientKey(ctx context.Context, sessionID, clientKey string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND client_key = ?`,
		sessionID, clientKey)
	return scanMessageRow(row)
}

// GetMessageByProtocolID retrieves a message by the protocol-assigned ID.
func (s *SQLiteStore) GetMessageByProtocolID(ctx context.Context, sessionID, protocolID string) (*Message, error) {
	if protocolID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND protocol_message_id = ?`,
		sessionID, protocolID)
	return scanMessageRow(row)
}

// UpdateMessageStatus moves a message to the given status and stamps the
// corresponding timestamp. Statuses in the sent < delivered < read ordering
// never regress: applying an earlier status to a message already in a later
// one keeps the later status (timestamps are still recorded).
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, update MessageStatusUpdate) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading current status: %w", err)
	}

	applied := status
	if newRank, guarded := lifecycleRank[status]; guarded {
		if curRank, ok := lifecycleRank[MessageStatus(currentStatus)]; ok && curRank > newRank {
			applied = MessageStatus(currentStatus)
		}
	}

	now := time.Now().UTC()
	fields := []string{"status = ?"}
	params := []any{string(applied)}

	stamp := func(column string, at *time.Time) {
		t := now
		if at != nil {
			t = at.UTC()
		}
		fields = append(fields, column+" = ?")
		params = append(params, t.Format(time.RFC3339Nano))
	}

	switch status {
	case MessageProcessing:
		stamp("processing_at", nil)
	case MessageSent:
		stamp("sent_at", update.ProtocolTimestamp)
	case MessageDelivered:
		stamp("delivered_at", update.DeliveredAt)
	case MessageRead:
		stamp("read_at", update.ReadAt)
		if update.DeliveredAt != nil {
			stamp("delivered_at", update.DeliveredAt)
		}
	case MessageFailed, MessageDLQ:
		stamp("failed_at", nil)
	}

	if update.ProtocolMessageID != "" {
		fields = append(fields, "protocol_message_id = ?")
		params = append(params, update.ProtocolMessageID)
	}
	if update.ErrorMessage != "" {
		fields = append(fields, "error_message = ?")
		params = append(params, update.ErrorMessage)
	}

	params = append(params, id)
	query := `UPDATE messages SET ` + strings.Join(fields, ", ") + ` WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, params...); err != nil {
		return nil, fmt.Errorf("updating message status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status update: %w", err)
	}

	return s.GetMessage(ctx, id)
}

// IncrementMessageAttempts bumps the business-level attempt counter and
// returns the new value. This counter is distinct from queue-level job
// redelivery attempts; it decides dead-lettering.
func (s *SQLiteStore) IncrementMessageAttempts(ctx context.Context, id string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking increment result: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM messages WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("reading attempts: %w", err)
	}
	return attempts, nil
}

// ListMessages returns messages for a session, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, filter MessageFilter) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	params := []any{sessionID}

	if filter.Status != "" {
		query += ` AND status = ?`
		params = append(params, string(filter.Status))
	}
	if filter.Direction != "" {
		query += ` AND direction = ?`
		params = append(params, string(filter.Direction))
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// nullableRaw converts empty raw JSON to NULL for storage.
func nullableRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// scanMessageRow scans a single-row query, mapping no-rows to ErrNotFound.
func scanMessageRow(row *sql.Row) (*Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// scanMessage scans a row into a Message.
func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var msg Message
	var recipient, payloadJSON, metadataJSON, protocolID, errorMessage *string
	var processingAt, sentAt, deliveredAt, readAt, failedAt *string
	var queuedAt, createdAt string

	if err := scanner.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.ClientKey,
		&msg.Direction,
		&msg.Status,
		&msg.Type,
		&recipient,
		&payloadJSON,
		&metadataJSON,
		&protocolID,
		&queuedAt,
		&processingAt,
		&sentAt,
		&deliveredAt,
		&readAt,
		&failedAt,
		&msg.Attempts,
		&msg.MaxAttempts,
		&errorMessage,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if recipient != nil {
		msg.Recipient = *recipient
	}
	if payloadJSON != nil {
		msg.Payload = []byte(*payloadJSON)
	}
	if metadataJSON != nil {
		msg.Metadata = []byte(*metadataJSON)
	}
	if protocolID != nil {
		msg.ProtocolMessageID = *protocolID
	}
	if errorMessage != nil {
		msg.ErrorMessage = *errorMessage
	}

	var err error
	if msg.QueuedAt, err = mustParseTime(queuedAt); err != nil {
		return nil, err
	}
	if msg.ProcessingAt, err = parseTime(processingAt); err != nil {
		return nil, err
	}
	if msg.SentAt, err = parseTime(sentAt); err != nil {
		return nil, err
	}
	if msg.DeliveredAt, err = parseTime(deliveredAt); err != nil {
		return nil, err
	}
	if msg.ReadAt, err = parseTime(readAt); err != nil {
		return nil, err
	}
	if msg.FailedAt, err = parseTime(failedAt); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = mustParseTime(createdAt); err != nil {
		return nil, err
	}

	return &msg, nil
}
