// ABOUTME: Job payload shapes carried on the durable queues

package pipeline

import (
	"encoding/json"
	"time"

	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/store"
)

// SendMessageJob drives one outbound send. The message record already
// exists; the job carries only its ID.
type SendMessageJob struct {
	MessageID string `json:"messageId"`
}

// ReceiveMessageJob carries one inbound socket message into the receive
// pipeline. MediaAttempts counts media materialization tries across
// fixed-delay re-enqueues.
type ReceiveMessageJob struct {
	SessionID     string                   `json:"sessionId"`
	Message       protocol.IncomingMessage `json:"message"`
	MediaAttempts int                      `json:"mediaAttempts,omitempty"`
}

// ReceiptJob carries a raw receipt batch; the receipt worker fans it out
// into per-message StatusUpdateJobs.
type ReceiptJob struct {
	SessionID string           `json:"sessionId"`
	Receipt   protocol.Receipt `json:"receipt"`
}

// StatusUpdateJob applies one receipt to one message record.
type StatusUpdateJob struct {
	SessionID         string              `json:"sessionId"`
	ProtocolMessageID string              `json:"protocolMessageId"`
	Status            store.MessageStatus `json:"status"`
	Chat              string              `json:"chat"`
	Sender            string              `json:"sender,omitempty"`
	DeliveredAt       *time.Time          `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time          `json:"readAt,omitempty"`
}

// EventJob carries presence, reaction, and group updates on the
// presence-events queue.
type EventJob struct {
	SessionID string                `json:"sessionId"`
	Presence  *protocol.Presence    `json:"presence,omitempty"`
	Reaction  *protocol.Reaction    `json:"reaction,omitempty"`
	Group     *protocol.GroupUpdate `json:"group,omitempty"`
}

// CallJob carries call events.
type CallJob struct {
	SessionID string        `json:"sessionId"`
	Call      protocol.Call `json:"call"`
}

// WebhookJob is one delivery attempt series against a session's webhook.
type WebhookJob struct {
	DeliveryID string          `json:"deliveryId"`
	SessionID  string          `json:"sessionId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SessionControlJob starts, stops, or restarts a session.
type SessionControlJob struct {
	SessionID string `json:"sessionId"`
	// Reason applies to session-close jobs: "shutdown" or "restart".
	Reason string `json:"reason,omitempty"`
}

// CleanupJob triggers a maintenance pass.
type CleanupJob struct {
	// RetainEvents overrides the default audit retention window.
	RetainEvents string `json:"retainEvents,omitempty"`
}
