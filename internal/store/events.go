// ABOUTME: Append-only audit event persistence for the SQLite store
// ABOUTME: Records session/message/webhook lifecycle events for external query surfaces

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event categories used across the gateway.
const (
	CategorySession  = "session"
	CategoryMessage  = "message"
	CategoryWebhook  = "webhook"
	CategoryPresence = "presence"
	CategoryReceipt  = "receipt"
	CategoryReaction = "reaction"
	CategoryCall     = "call"
	CategoryGroup    = "group"
	CategoryStatus   = "status"
)

// AppendEvent appends a new audit event. Generates ID and timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	var payloadJSON *string
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshaling event payload: %w", err)
		}
		str := string(data)
		payloadJSON = &str
	}

	query := `
		INSERT INTO events (id, session_id, event_type, category, payload_json, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.Type,
		event.Category,
		payloadJSON,
		event.Severity,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event",
		"id", event.ID,
		"session_id", event.SessionID,
		"type", event.Type,
	)
	return nil
}

// PruneEvents deletes events created before the cutoff.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune result: %w", err)
	}
	if removed > 0 {
		s.logger.Info("pruned events", "removed", removed, "before", before)
	}
	return removed, nil
}

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, session_id, event_type, category, payload_json, severity, created_at FROM events WHERE 1=1`
	var params []any

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		params = append(params, filter.SessionID)
	}
	if filter.Type != "" {
		query += ` AND event_type = ?`
		params = append(params, filter.Type)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		params = append(params, filter.Category)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		params = append(params, filter.Since.UTC().Format(time.RFC3339Nano))
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	query += ` LIMIT ?`
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var event Event
		var payloadJSON *string
		var createdAt string

		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.Type,
			&event.Category,
			&payloadJSON,
			&event.Severity,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		if payloadJSON != nil {
			if err := json.Unmarshal([]byte(*payloadJSON), &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling event payload: %w", err)
			}
		}
		if event.CreatedAt, err = mustParseTime(createdAt); err != nil {
			return nil, err
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return events, nil
}
