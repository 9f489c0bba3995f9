// ABOUTME: Send worker delivering queued outbound messages through live sockets
// ABOUTME: Tracks the business attempt budget and dead-letters exhausted messages

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zaphub/gateway/internal/content"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// handleSend processes one message-send job. Messages already past the
// sent stage are skipped, so queue redeliveries stay harmless.
func (w *Workers) handleSend(ctx context.Context, job *queue.Job) error {
	var payload SendMessageJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable send job", "job_id", job.ID, "error", err)
		return nil
	}

	msg, err := w.store.GetMessage(ctx, payload.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("send job for missing message", "message_id", payload.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	switch msg.Status {
	case store.MessageSent, store.MessageDelivered, store.MessageRead, store.MessageDLQ:
		return nil
	}

	c, err := content.Parse(content.Type(msg.Type), msg.Payload)
	if err != nil {
		// Invalid payloads never become sendable; fail permanently.
		w.failPermanently(ctx, msg, err)
		return nil
	}

	attempts, err := w.store.IncrementMessageAttempts(ctx, msg.ID)
	if err != nil {
		return err
	}
	if _, err := w.store.UpdateMessageStatus(ctx, msg.ID, store.MessageProcessing, store.MessageStatusUpdate{}); err != nil {
		return err
	}

	if err := w.resolveRemoteContent(ctx, c); err != nil {
		return w.handleSendFailure(ctx, msg, attempts, err)
	}

	socket, sockErr := w.sessions.Socket(msg.SessionID)
	if sockErr != nil {
		return w.handleSendFailure(ctx, msg, attempts, fmt.Errorf("session not connected: %w", sockErr))
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	result, sendErr := socket.Send(sendCtx, msg.Recipient, c)
	if sendErr != nil {
		return w.handleSendFailure(ctx, msg, attempts, sendErr)
	}

	update := store.MessageStatusUpdate{ProtocolMessageID: result.ProtocolMessageID}
	if !result.Timestamp.IsZero() {
		ts := result.Timestamp.UTC()
		update.ProtocolTimestamp = &ts
	}
	updated, err := w.store.UpdateMessageStatus(ctx, msg.ID, store.MessageSent, update)
	if err != nil {
		return err
	}

	w.logger.Info("message sent",
		"session_id", msg.SessionID, "message_id", msg.ID,
		"protocol_id", result.ProtocolMessageID, "attempt", attempts)
	w.notify(ctx, msg.SessionID, "message.sent", store.CategoryMessage, map[string]any{
		"messageId":         updated.ID,
		"clientKey":         updated.ClientKey,
		"protocolMessageId": updated.ProtocolMessageID,
		"to":                updated.Recipient,
		"type":              updated.Type,
		"attempt":           attempts,
	})
	return nil
}

// resolveRemoteContent fetches the binary behind a URL-bearing payload so
// the socket sends bytes, never a reference. Variants without remote
// content pass through untouched.
func (w *Workers) resolveRemoteContent(ctx context.Context, c content.Content) error {
	var url string
	var dst *[]byte
	switch v := c.(type) {
	case *content.Image:
		url, dst = v.URL, &v.Data
	case *content.Video:
		url, dst = v.URL, &v.Data
	case *content.Audio:
		url, dst = v.URL, &v.Data
	case *content.Document:
		url, dst = v.URL, &v.Data
	default:
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building content request: %w", err)
	}
	resp, err := w.fetch.Do(req)
	if err != nil {
		return fmt.Errorf("fetching content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetching content: unexpected status %d from %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading content body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("fetching content: empty body from %s", url)
	}
	*dst = data
	return nil
}

// handleSendFailure marks the failure and decides between queue retry and
// dead-lettering based on the business attempt budget.
func (w *Workers) handleSendFailure(ctx context.Context, msg *store.Message, attempts int, sendErr error) error {
	w.logger.Warn("send attempt failed",
		"session_id", msg.SessionID, "message_id", msg.ID,
		"attempt", attempts, "max_attempts", msg.MaxAttempts, "error", sendErr)

	if attempts >= msg.MaxAttempts {
		if _, err := w.store.UpdateMessageStatus(ctx, msg.ID, store.MessageDLQ, store.MessageStatusUpdate{
			ErrorMessage: sendErr.Error(),
		}); err != nil {
			return err
		}
		w.notify(ctx, msg.SessionID, "message.dlq", store.CategoryMessage, map[string]any{
			"messageId": msg.ID,
			"clientKey": msg.ClientKey,
			"attempts":  attempts,
			"error":     sendErr.Error(),
		})
		return nil
	}

	if _, err := w.store.UpdateMessageStatus(ctx, msg.ID, store.MessageFailed, store.MessageStatusUpdate{
		ErrorMessage: sendErr.Error(),
	}); err != nil {
		return err
	}
	return sendErr
}

// failPermanently dead-letters a message that can never be sent.
func (w *Workers) failPermanently(ctx context.Context, msg *store.Message, cause error) {
	if _, err := w.store.UpdateMessageStatus(ctx, msg.ID, store.MessageDLQ, store.MessageStatusUpdate{
		ErrorMessage: cause.Error(),
	}); err != nil {
		w.logger.Error("dead-lettering message failed", "message_id", msg.ID, "error", err)
	}
	w.notify(ctx, msg.SessionID, "message.dlq", store.CategoryMessage, map[string]any{
		"messageId": msg.ID,
		"clientKey": msg.ClientKey,
		"error":     cause.Error(),
	})
}
