// ABOUTME: Registry of live session entries with a global capacity cap
// ABOUTME: Each entry serializes its own lifecycle operations with a per-session mutex

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zaphub/gateway/internal/protocol"
)

// ErrSessionLimit is returned when starting a session would exceed the
// configured concurrent session cap.
var ErrSessionLimit = errors.New("session: concurrent session limit reached")

// ErrNotRunning is returned when an operation needs a live session.
var ErrNotRunning = errors.New("session: not running")

// entry is the live state of one started session. Lifecycle operations on
// the same session serialize on mu; operations on different sessions do
// not contend.
type entry struct {
	sessionID string

	mu             sync.Mutex
	socket         protocol.Socket
	cancel         context.CancelFunc
	done           chan struct{} // closed when the event loop exits
	stopping       bool          // deliberate close, suppress reconnect handling
	identities     protocol.IdentitySet
	reconnectTimer *time.Timer
	qrTimer        *time.Timer
}

// stopTimersLocked cancels any pending reconnect or QR expiry timers.
// Caller holds e.mu.
func (e *entry) stopTimersLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	if e.qrTimer != nil {
		e.qrTimer.Stop()
		e.qrTimer = nil
	}
}

// Registry tracks live sessions and enforces the global cap.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   int
}

// NewRegistry creates a registry capped at limit live sessions.
func NewRegistry(limit int) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		limit:   limit,
	}
}

// acquire registers a new entry for the session, enforcing the cap.
// Returns the existing entry when the session is already live.
func (r *Registry) acquire(sessionID string) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		return e, false, nil
	}
	if len(r.entries) >= r.limit {
		return nil, false, ErrSessionLimit
	}

	e := &entry{sessionID: sessionID}
	r.entries[sessionID] = e
	return e, true, nil
}

// get returns the live entry for a session, if any.
func (r *Registry) get(sessionID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// release removes a session's entry, freeing capacity.
func (r *Registry) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the live session IDs.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
