// ABOUTME: Receive worker persisting inbound messages and materializing their media
// ABOUTME: Deduplicates socket redeliveries and degrades gracefully when media fetch fails

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// handleReceive persists one inbound message. The tracker is marked only
// after the record is durable, so a crashed attempt replays cleanly.
func (w *Workers) handleReceive(ctx context.Context, job *queue.Job) error {
	var payload ReceiveMessageJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable receive job", "job_id", job.ID, "error", err)
		return nil
	}

	msg := payload.Message
	if w.tracker.Seen(payload.SessionID, msg.ID) {
		return nil
	}

	// Status/story feed traffic is surfaced as an event, never persisted
	// as a message.
	if protocol.IsStatusBroadcast(msg.Chat) {
		w.tracker.Mark(payload.SessionID, msg.ID)
		w.notify(ctx, payload.SessionID, "status.received", store.CategoryStatus, map[string]any{
			"protocolMessageId": msg.ID,
			"sender":            msg.Sender,
			"pushName":          msg.PushName,
			"type":              msg.Kind,
			"text":              msg.Text,
			"timestamp":         msg.Timestamp.UTC(),
		})
		return nil
	}

	existing, err := w.store.GetMessageByProtocolID(ctx, payload.SessionID, msg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		// A record with this protocol id already exists, typically the
		// echo of a message sent through this gateway. Fold the event's
		// status and timestamp into it instead of creating a duplicate.
		ts := msg.Timestamp.UTC()
		status := store.MessageDelivered
		update := store.MessageStatusUpdate{DeliveredAt: &ts}
		if msg.FromMe {
			status = store.MessageSent
			update = store.MessageStatusUpdate{ProtocolTimestamp: &ts}
		}
		if _, err := w.store.UpdateMessageStatus(ctx, existing.ID, status, update); err != nil {
			return err
		}
		w.tracker.Mark(payload.SessionID, msg.ID)
		return nil
	}

	var (
		attachment *store.MediaAttachment
		degraded   bool
	)
	if msg.Media != nil {
		obj, err := w.materializeMedia(ctx, payload.SessionID, msg)
		switch {
		case err == nil:
			attachment = obj
		case payload.MediaAttempts+1 < mediaAttemptBudget:
			w.logger.Warn("media materialization failed, will retry",
				"session_id", payload.SessionID, "protocol_id", msg.ID,
				"attempt", payload.MediaAttempts+1, "error", err)
			return w.requeueMedia(ctx, payload)
		default:
			w.logger.Warn("media materialization exhausted, delivering degraded",
				"session_id", payload.SessionID, "protocol_id", msg.ID, "error", err)
			degraded = true
		}
	}

	record := &store.Message{
		SessionID:         payload.SessionID,
		ClientKey:         "recv:" + msg.ID,
		Direction:         store.DirectionInbound,
		Type:              msg.Kind,
		Recipient:         msg.Chat,
		Payload:           msg.Raw,
		ProtocolMessageID: msg.ID,
	}
	if msg.FromMe {
		record.Direction = store.DirectionOutbound
		record.Status = store.MessageSent
		ts := msg.Timestamp.UTC()
		record.SentAt = &ts
	} else {
		record.Status = store.MessageDelivered
		ts := msg.Timestamp.UTC()
		record.DeliveredAt = &ts
	}

	record, created, err := w.store.CreateMessage(ctx, record)
	if err != nil {
		return err
	}
	w.tracker.Mark(payload.SessionID, msg.ID)
	if !created {
		return nil
	}

	if attachment != nil {
		attachment.MessageID = record.ID
		if err := w.store.CreateMediaAttachment(ctx, attachment); err != nil {
			w.logger.Error("recording media attachment failed",
				"message_id", record.ID, "error", err)
		}
	}

	event := map[string]any{
		"messageId":         record.ID,
		"protocolMessageId": msg.ID,
		"chat":              msg.Chat,
		"sender":            msg.Sender,
		"fromMe":            msg.FromMe,
		"pushName":          msg.PushName,
		"type":              msg.Kind,
		"text":              msg.Text,
		"timestamp":         msg.Timestamp.UTC(),
	}
	if attachment != nil {
		event["media"] = map[string]any{
			"url":      attachment.URL,
			"mimeType": attachment.MimeType,
			"fileName": attachment.FileName,
			"size":     attachment.Size,
		}
	}
	if degraded {
		event["mediaDegraded"] = true
		event["mediaRef"] = msg.Media
	}
	w.notify(ctx, payload.SessionID, "message.received", store.CategoryMessage, event)
	return nil
}

// requeueMedia re-enqueues the same inbound message after a fixed delay
// with the media attempt counter bumped. A fresh job ID is used so the
// original key's dedup claim does not block it.
func (w *Workers) requeueMedia(ctx context.Context, payload ReceiveMessageJob) error {
	payload.MediaAttempts++
	jobID := fmt.Sprintf("msg-recv-%s-%s-media%d", payload.SessionID, payload.Message.ID, payload.MediaAttempts)
	_, err := w.enq.broker.Enqueue(ctx, queue.MessageReceive, payload, queue.Options{
		JobID: jobID,
		Delay: mediaRetryDelay,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

// materializeMedia downloads the media binary and stores it, returning an
// unattached media record (MessageID filled in by the caller).
func (w *Workers) materializeMedia(ctx context.Context, sessionID string, msg protocol.IncomingMessage) (*store.MediaAttachment, error) {
	socket, err := w.sessions.Socket(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session not connected: %w", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	data, err := socket.Download(dlCtx, msg.Media)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}

	obj, err := w.media.Put(ctx, sessionID, msg.Media.Kind, msg.Media.MimeType, msg.Media.FileName, data)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}

	return &store.MediaAttachment{
		SessionID:         sessionID,
		ProtocolMessageID: msg.ID,
		Kind:              msg.Media.Kind,
		MimeType:          msg.Media.MimeType,
		FileName:          obj.Name,
		OriginalName:      msg.Media.FileName,
		Size:              obj.Size,
		Duration:          msg.Media.Duration,
		URL:               obj.URL,
	}, nil
}
