// ABOUTME: Store interface and data types for zaphub-gateway persistence
// ABOUTME: Defines Session, Message, Event, MediaAttachment and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle status of a session
type SessionStatus string

// Session lifecycle statuses. Transitions are driven by the connection
// manager; logged_out and failed require explicit external action to leave.
const (
	SessionInitializing SessionStatus = "initializing"
	SessionQRPending    SessionStatus = "qr_pending"
	SessionConnected    SessionStatus = "connected"
	SessionReconnecting SessionStatus = "reconnecting"
	SessionDisconnected SessionStatus = "disconnected"
	SessionLoggedOut    SessionStatus = "logged_out"
	SessionFailed       SessionStatus = "failed"
)

// Session represents one tenant's logical connection to the messaging network
type Session struct {
	ID             string
	Label          string
	Status         SessionStatus
	WebhookURL     string
	Config         map[string]any
	QRCode         string
	LastQRAt       *time.Time
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	LastSeen       *time.Time
	ErrorMessage   string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionUpdate is a partial update applied to a session.
// Nil fields are left unchanged; pointer-to-empty clears a field.
type SessionUpdate struct {
	Label          *string
	Status         *SessionStatus
	WebhookURL     *string
	Config         map[string]any
	QRCode         *string
	LastQRAt       *time.Time
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	LastSeen       *time.Time
	ErrorMessage   *string
	RetryCount     *int
}

// Direction of a message relative to this gateway
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery lifecycle status of a message
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageDelivered  MessageStatus = "delivered"
	MessageRead       MessageStatus = "read"
	MessageFailed     MessageStatus = "failed"
	MessageDLQ        MessageStatus = "dlq"
)

// lifecycleRank orders the forward-only portion of the message lifecycle.
// Statuses outside this map are not subject to the monotonicity guard.
var lifecycleRank = map[MessageStatus]int{
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// Message represents one inbound or outbound message for a session
type Message struct {
	ID                string
	SessionID         string
	ClientKey         string // caller-supplied idempotency key, unique per session
	Direction         Direction
	Status            MessageStatus
	Type              string
	Recipient         string
	Payload           json.RawMessage
	Metadata          json.RawMessage
	ProtocolMessageID string
	QueuedAt          time.Time
	ProcessingAt      *time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	FailedAt          *time.Time
	Attempts          int
	MaxAttempts       int
	ErrorMessage      string
	CreatedAt         time.Time
}

// MessageStatusUpdate carries the optional fields applied alongside a
// status change.
type MessageStatusUpdate struct {
	ProtocolMessageID string
	ProtocolTimestamp *time.Time
	ErrorMessage      string
	DeliveredAt       *time.Time
	ReadAt            *time.Time
}

// MessageFilter specifies filtering options for listing messages
type MessageFilter struct {
	Status    MessageStatus
	Direction Direction
	Limit     int
}

// Event is an append-only audit record
type Event struct {
	ID        string
	SessionID string
	Type      string
	Category  string
	Payload   map[string]any
	Severity  string
	CreatedAt time.Time
}

// EventFilter specifies filtering options for listing events
type EventFilter struct {
	SessionID string
	Type      string
	Category  string
	Since     *time.Time
	Limit     int
}

// MediaAttachment links a message to a stored binary object
type MediaAttachment struct {
	ID                string
	MessageID         string
	SessionID         string
	ProtocolMessageID string
	Kind              string
	MimeType          string
	FileName          string
	OriginalName      string
	Size              int64
	Duration          float64
	URL               string
	CreatedAt         time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// ListRecoverableSessions returns sessions whose stored status implies
	// they should be live after a process restart.
	ListRecoverableSessions(ctx context.Context) ([]*Session, error)

	// Messages
	// CreateMessage persists a new message. If a message with the same
	// (session, client key) already exists, the existing record is
	// returned and created is false.
	CreateMessage(ctx context.Context, msg *Message) (result *Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByClientKey(ctx context.Context, sessionID, clientKey string) (*Message, error)
	GetMessageByProtocolID(ctx context.Context, sessionID, protocolID string) (*Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, update MessageStatusUpdate) (*Message, error)
	IncrementMessageAttempts(ctx context.Context, id string) (int, error)
	ListMessages(ctx context.Context, sessionID string, filter MessageFilter) ([]*Message, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	// PruneEvents deletes events older than the cutoff and returns how
	// many were removed.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Media
	CreateMediaAttachment(ctx context.Context, media *MediaAttachment) error
	ListMediaByMessage(ctx context.Context, messageID string) ([]*MediaAttachment, error)

	// Close releases any resources held by the store
	Close() error
}
