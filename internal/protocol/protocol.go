// ABOUTME: Socket and Dialer contracts isolating the gateway from the wire library
// ABOUTME: Also defines disconnect close codes and their human-readable labels

package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/zaphub/gateway/internal/content"
)

// DisconnectCode is the numeric close code delivered when a connection drops.
type DisconnectCode int

// Close codes observed on the messaging network.
const (
	CodeLoggedOut           DisconnectCode = 401
	CodeForbidden           DisconnectCode = 403
	CodeConnectionLost      DisconnectCode = 408
	CodeMultideviceMismatch DisconnectCode = 411
	CodeConnectionClosed    DisconnectCode = 428
	CodeConnectionReplaced  DisconnectCode = 440
	CodeBadSession          DisconnectCode = 500
	CodeUnavailableService  DisconnectCode = 503
	CodeRestartRequired     DisconnectCode = 515
)

var codeLabels = map[DisconnectCode]string{
	CodeLoggedOut:           "Logged Out",
	CodeForbidden:           "Forbidden",
	CodeConnectionLost:      "Connection Lost",
	CodeMultideviceMismatch: "Multidevice Mismatch",
	CodeConnectionClosed:    "Connection Closed",
	CodeConnectionReplaced:  "Connection Replaced",
	CodeBadSession:          "Bad Session File",
	CodeUnavailableService:  "Service Unavailable",
	CodeRestartRequired:     "Restart Required",
}

// Label returns the human-readable reason for a close code.
func (c DisconnectCode) Label() string {
	if label, ok := codeLabels[c]; ok {
		return label
	}
	return "Unknown"
}

// Recoverable reports whether the gateway should attempt to reconnect
// after this close code. A logged-out close requires a fresh pairing.
func (c DisconnectCode) Recoverable() bool {
	return c != CodeLoggedOut
}

// SendResult is returned by a successful send.
type SendResult struct {
	ProtocolMessageID string
	Timestamp         time.Time
}

// Socket is one live connection to the messaging network. Implementations
// deliver events on the channel returned by Events until Close.
type Socket interface {
	// Events returns the socket's event stream. The channel is closed
	// when the socket shuts down.
	Events() <-chan Event

	// Send delivers content to a recipient address and returns the
	// protocol-assigned message ID.
	Send(ctx context.Context, to string, c content.Content) (*SendResult, error)

	// Download fetches the binary data behind an inbound media reference.
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)

	// OwnIdentities returns every address variant that identifies this
	// session's account, including alias and device-suffixed forms.
	OwnIdentities() []string

	// Logout invalidates the pairing on the server side.
	Logout(ctx context.Context) error

	// Close tears down the connection without invalidating credentials.
	Close() error
}

// Dialer establishes sockets. credsDir holds the session's pairing state;
// an empty directory triggers a fresh QR pairing flow.
type Dialer interface {
	Dial(ctx context.Context, sessionID, credsDir string) (Socket, error)
}

var defaultDialer Dialer

// RegisterDialer installs the process-wide transport driver. Driver
// packages call this from init, like database/sql drivers.
func RegisterDialer(d Dialer) {
	defaultDialer = d
}

// DefaultDialer returns the registered transport driver.
func DefaultDialer() (Dialer, error) {
	if defaultDialer == nil {
		return nil, errors.New("protocol: no transport driver registered")
	}
	return defaultDialer, nil
}
