// ABOUTME: Receipt fan-out and per-message status update workers
// ABOUTME: Applies delivery receipts with the forward-only lifecycle guard

package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// handleReceipt fans a receipt batch out into one status job per
// acknowledged message.
func (w *Workers) handleReceipt(ctx context.Context, job *queue.Job) error {
	var payload ReceiptJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable receipt job", "job_id", job.ID, "error", err)
		return nil
	}

	status := store.MessageDelivered
	if payload.Receipt.Type == protocol.ReceiptRead || payload.Receipt.Type == protocol.ReceiptPlayed {
		status = store.MessageRead
	}
	ts := payload.Receipt.Timestamp.UTC()

	for _, messageID := range payload.Receipt.MessageIDs {
		update := StatusUpdateJob{
			SessionID:         payload.SessionID,
			ProtocolMessageID: messageID,
			Status:            status,
			Chat:              payload.Receipt.Chat,
			Sender:            payload.Receipt.Sender,
		}
		if status == store.MessageRead {
			update.ReadAt = &ts
		} else {
			update.DeliveredAt = &ts
		}

		_, err := w.enq.broker.Enqueue(ctx, queue.MessageStatus, update, queue.Options{
			JobID: "msg-status-" + messageID + "-" + string(status),
		})
		if err != nil && !errors.Is(err, queue.ErrDuplicate) {
			return err
		}
	}
	return nil
}

// handleStatus applies one receipt to one message. Receipts for messages
// the gateway never sent are still surfaced to the webhook.
func (w *Workers) handleStatus(ctx context.Context, job *queue.Job) error {
	var payload StatusUpdateJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable status job", "job_id", job.ID, "error", err)
		return nil
	}

	eventType := "message.delivered"
	if payload.Status == store.MessageRead {
		eventType = "message.read"
	}
	event := map[string]any{
		"messageId":         nil,
		"protocolMessageId": payload.ProtocolMessageID,
		"chat":              payload.Chat,
		"status":            string(payload.Status),
	}

	msg, err := w.store.GetMessageByProtocolID(ctx, payload.SessionID, payload.ProtocolMessageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Untracked message, likely sent before this gateway or by
		// another device. Forward the receipt anyway.
	case err != nil:
		return err
	case msg.Direction == store.DirectionOutbound:
		updated, err := w.store.UpdateMessageStatus(ctx, msg.ID, payload.Status, store.MessageStatusUpdate{
			DeliveredAt: payload.DeliveredAt,
			ReadAt:      payload.ReadAt,
		})
		if err != nil {
			return err
		}
		event["messageId"] = updated.ID
	}

	w.notify(ctx, payload.SessionID, eventType, store.CategoryReceipt, event)
	return nil
}
