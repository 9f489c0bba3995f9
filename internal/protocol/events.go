// ABOUTME: Tagged union of events emitted by a protocol socket

package protocol

import (
	"encoding/json"
	"time"
)

// Event is a socket event. The concrete types below are the only
// implementations.
type Event interface {
	event()
}

// QRCode is emitted when new pairing material is available. The material
// expires and is replaced until pairing completes or the attempt times out.
type QRCode struct {
	Code string
}

// Connected is emitted when the connection is open and authenticated.
type Connected struct {
	// JID is the canonical account address.
	JID string
	// AltJID is the account's alias address when the network assigns one.
	AltJID string
}

// Disconnected is emitted when the connection drops.
type Disconnected struct {
	Code DisconnectCode
	Err  error
}

// IncomingMessage is a message observed on the connection, including
// echoes of messages sent from other devices on the same account.
type IncomingMessage struct {
	ID        string
	Chat      string
	ChatAlt   string // phone-addressed fallback when Chat is an alias
	Sender    string // participant in group chats, empty in direct chats
	SenderAlt string
	FromMe    bool
	PushName  string
	Timestamp time.Time
	Kind      string // text, image, video, audio, document, location, contact, reaction
	Text      string
	Media     *MediaRef
	Raw       json.RawMessage
}

// MediaRef points at media attached to an inbound message. The binary
// data is fetched separately via Socket.Download.
type MediaRef struct {
	Kind     string
	MimeType string
	FileName string
	Size     int64
	Duration float64
	// DirectPath and MediaKey identify the payload on the media CDN.
	DirectPath string
	MediaKey   []byte
}

// ReceiptType classifies a delivery receipt.
type ReceiptType string

const (
	ReceiptDelivered ReceiptType = "delivered"
	ReceiptRead      ReceiptType = "read"
	ReceiptPlayed    ReceiptType = "played"
)

// Receipt acknowledges one or more previously sent messages.
type Receipt struct {
	MessageIDs []string
	Chat       string
	Sender     string
	Type       ReceiptType
	Timestamp  time.Time
}

// Reaction reports an emoji attached to or removed from an earlier
// message. An empty Emoji removes a previous reaction.
type Reaction struct {
	// MessageID is the protocol id of the message being reacted to.
	MessageID string
	Chat      string
	Sender    string
	FromMe    bool
	Emoji     string
	Timestamp time.Time
}

// Presence reports a chat participant's availability.
type Presence struct {
	Chat        string
	Participant string
	State       string // available, unavailable, composing, recording, paused
	LastSeen    *time.Time
}

// Call reports an incoming or updated voice/video call.
type Call struct {
	CallID    string
	From      string
	Status    string // offer, accept, reject, timeout, terminate
	IsVideo   bool
	Timestamp time.Time
}

// GroupUpdate reports a membership or metadata change in a group chat.
type GroupUpdate struct {
	Chat         string
	Action       string // add, remove, promote, demote, subject, announce
	Actor        string
	Participants []string
	Subject      string
	Timestamp    time.Time
}

func (QRCode) event()          {}
func (Connected) event()       {}
func (Disconnected) event()    {}
func (IncomingMessage) event() {}
func (Receipt) event()         {}
func (Reaction) event()        {}
func (Presence) event()        {}
func (Call) event()            {}
func (GroupUpdate) event()     {}
