// ABOUTME: Media attachment persistence linking messages to stored binary objects

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMediaAttachment persists a media attachment record.
func (s *SQLiteStore) CreateMediaAttachment(ctx context.Context, media *MediaAttachment) error {
	if media.ID == "" {
		media.ID = uuid.New().String()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO media_attachments (id, message_id, session_id, protocol_message_id,
			kind, mime_type, file_name, original_name, size, duration, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		media.ID,
		media.MessageID,
		media.SessionID,
		nullable(media.ProtocolMessageID),
		media.Kind,
		nullable(media.MimeType),
		nullable(media.FileName),
		nullable(media.OriginalName),
		media.Size,
		media.Duration,
		nullable(media.URL),
		media.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting media attachment: %w", err)
	}

	s.logger.Debug("created media attachment", "id", media.ID, "message_id", media.MessageID, "kind", media.Kind)
	return nil
}

// ListMediaByMessage returns the attachments stored for a message.
func (s *SQLiteStore) ListMediaByMessage(ctx context.Context, messageID string) ([]*MediaAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, protocol_message_id, kind, mime_type,
			file_name, original_name, size, duration, url, created_at
		FROM media_attachments
		WHERE message_id = ?
		ORDER BY created_at
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying media attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attachments []*MediaAttachment
	for rows.Next() {
		var m MediaAttachment
		var protocolID, mimeType, fileName, originalName, url *string
		var createdAt string

		if err := rows.Scan(
			&m.ID,
			&m.MessageID,
			&m.SessionID,
			&protocolID,
			&m.Kind,
			&mimeType,
			&fileName,
			&originalName,
			&m.Size,
			&m.Duration,
			&url,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning media attachment: %w", err)
		}

		if protocolID != nil {
			m.ProtocolMessageID = *protocolID
		}
		if mimeType != nil {
			m.MimeType = *mimeType
		}
		if fileName != nil {
			m.FileName = *fileName
		}
		if originalName != nil {
			m.OriginalName = *originalName
		}
		if url != nil {
			m.URL = *url
		}
		if m.CreatedAt, err = mustParseTime(createdAt); err != nil {
			return nil, err
		}

		attachments = append(attachments, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating media attachments: %w", err)
	}

	return attachments, nil
}
