// ABOUTME: Enqueuer placing inbound traffic and outbound sends on the durable queues
// ABOUTME: Implements the session dispatcher contract and the send idempotency entry point

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/content"
	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// SendRequest is the boundary shape for enqueuing an outbound message.
type SendRequest struct {
	// ClientKey is the caller's idempotency key, unique per session.
	ClientKey string          `json:"messageId"`
	To        string          `json:"to"`
	Type      content.Type    `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Enqueuer validates work at the boundary and places it on the queues.
type Enqueuer struct {
	broker     queue.Broker
	store      store.Store
	webhookCfg config.WebhookConfig
	logger     *slog.Logger
}

// NewEnqueuer creates an enqueuer. Webhook jobs carry their own retry
// policy from webhookCfg instead of the broker default.
func NewEnqueuer(broker queue.Broker, st store.Store, webhookCfg config.WebhookConfig) *Enqueuer {
	return &Enqueuer{
		broker:     broker,
		store:      st,
		webhookCfg: webhookCfg,
		logger:     slog.Default().With("component", "pipeline"),
	}
}

// EnqueueSend validates the request, creates the message record, and
// enqueues the send job. When the client key was already used the
// existing record is returned unchanged with created false, and no new
// job is enqueued.
func (e *Enqueuer) EnqueueSend(ctx context.Context, sessionID string, req SendRequest) (*store.Message, bool, error) {
	if req.ClientKey == "" {
		return nil, false, fmt.Errorf("%w: messageId is required", content.ErrInvalid)
	}
	if req.To == "" {
		return nil, false, fmt.Errorf("%w: to is required", content.ErrInvalid)
	}
	if _, err := content.Parse(req.Type, req.Payload); err != nil {
		return nil, false, err
	}
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, false, err
	}

	msg := &store.Message{
		SessionID: sessionID,
		ClientKey: req.ClientKey,
		Direction: store.DirectionOutbound,
		Status:    store.MessageQueued,
		Type:      string(req.Type),
		Recipient: req.To,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	}

	result, created, err := e.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return result, false, nil
	}

	_, err = e.broker.Enqueue(ctx, queue.MessageSend, SendMessageJob{MessageID: result.ID}, queue.Options{
		JobID: "msg-send-" + result.ID,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return nil, false, fmt.Errorf("enqueuing send job: %w", err)
	}

	e.logger.Info("send enqueued",
		"session_id", sessionID, "message_id", result.ID, "type", req.Type)
	return result, true, nil
}

// RetrySend re-enqueues a failed or dead-lettered message for another
// attempt series.
func (e *Enqueuer) RetrySend(ctx context.Context, messageID string) (*store.Message, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Status != store.MessageFailed && msg.Status != store.MessageDLQ {
		return nil, fmt.Errorf("message %s is %s, only failed or dlq messages can be retried", messageID, msg.Status)
	}

	updated, err := e.store.UpdateMessageStatus(ctx, messageID, store.MessageQueued, store.MessageStatusUpdate{})
	if err != nil {
		return nil, err
	}

	_, err = e.broker.Enqueue(ctx, queue.MessageSend, SendMessageJob{MessageID: messageID}, queue.Options{
		JobID: "msg-send-retry-" + uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueuing retry job: %w", err)
	}
	return updated, nil
}

// MessageReceived implements the session dispatcher. Jobs are keyed by
// the protocol message ID so socket redeliveries collapse.
func (e *Enqueuer) MessageReceived(ctx context.Context, sessionID string, msg protocol.IncomingMessage) error {
	_, err := e.broker.Enqueue(ctx, queue.MessageReceive, ReceiveMessageJob{
		SessionID: sessionID,
		Message:   msg,
	}, queue.Options{JobID: "msg-recv-" + sessionID + "-" + msg.ID})
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

// ReceiptReceived implements the session dispatcher.
func (e *Enqueuer) ReceiptReceived(ctx context.Context, sessionID string, receipt protocol.Receipt) error {
	_, err := e.broker.Enqueue(ctx, queue.ReceiptEvents, ReceiptJob{
		SessionID: sessionID,
		Receipt:   receipt,
	}, queue.Options{})
	return err
}

// ReactionReceived implements the session dispatcher.
func (e *Enqueuer) ReactionReceived(ctx context.Context, sessionID string, reaction protocol.Reaction) error {
	_, err := e.broker.Enqueue(ctx, queue.PresenceEvents, EventJob{
		SessionID: sessionID,
		Reaction:  &reaction,
	}, queue.Options{})
	return err
}

// PresenceReceived implements the session dispatcher.
func (e *Enqueuer) PresenceReceived(ctx context.Context, sessionID string, presence protocol.Presence) error {
	_, err := e.broker.Enqueue(ctx, queue.PresenceEvents, EventJob{
		SessionID: sessionID,
		Presence:  &presence,
	}, queue.Options{})
	return err
}

// GroupUpdated implements the session dispatcher.
func (e *Enqueuer) GroupUpdated(ctx context.Context, sessionID string, update protocol.GroupUpdate) error {
	_, err := e.broker.Enqueue(ctx, queue.PresenceEvents, EventJob{
		SessionID: sessionID,
		Group:     &update,
	}, queue.Options{})
	return err
}

// CallReceived implements the session dispatcher.
func (e *Enqueuer) CallReceived(ctx context.Context, sessionID string, call protocol.Call) error {
	_, err := e.broker.Enqueue(ctx, queue.CallEvents, CallJob{
		SessionID: sessionID,
		Call:      call,
	}, queue.Options{})
	return err
}

// SessionEvent implements the session dispatcher: lifecycle changes are
// audited and forwarded to the session's webhook.
func (e *Enqueuer) SessionEvent(ctx context.Context, sessionID, eventType string, payload map[string]any) error {
	if err := e.store.AppendEvent(ctx, &store.Event{
		SessionID: sessionID,
		Type:      eventType,
		Category:  store.CategorySession,
		Payload:   payload,
	}); err != nil {
		return err
	}
	return e.EnqueueWebhook(ctx, sessionID, eventType, payload)
}

// EnqueueWebhook queues a webhook delivery for the session. Sessions
// without a configured webhook URL are skipped silently.
func (e *Enqueuer) EnqueueWebhook(ctx context.Context, sessionID, event string, payload any) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.WebhookURL == "" {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	_, err = e.broker.Enqueue(ctx, queue.WebhookDelivery, WebhookJob{
		DeliveryID: uuid.New().String(),
		SessionID:  sessionID,
		Event:      event,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}, queue.Options{
		MaxAttempts: e.webhookCfg.RetryAttempts,
		Backoff:     e.webhookCfg.RetryDelay,
	})
	return err
}

// EnqueueSessionInit queues a session start.
func (e *Enqueuer) EnqueueSessionInit(ctx context.Context, sessionID string) error {
	_, err := e.broker.Enqueue(ctx, queue.SessionInit, SessionControlJob{SessionID: sessionID},
		queue.Options{JobID: "session-init-" + sessionID})
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

// EnqueueSessionClose queues a session stop or restart.
func (e *Enqueuer) EnqueueSessionClose(ctx context.Context, sessionID, reason string) error {
	_, err := e.broker.Enqueue(ctx, queue.SessionClose, SessionControlJob{
		SessionID: sessionID,
		Reason:    reason,
	}, queue.Options{})
	return err
}

// EnqueueCleanup queues a maintenance pass.
func (e *Enqueuer) EnqueueCleanup(ctx context.Context) error {
	_, err := e.broker.Enqueue(ctx, queue.Maintenance, CleanupJob{}, queue.Options{})
	return err
}
