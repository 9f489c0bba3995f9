// ABOUTME: TTL caches for inbound message dedup and short-lived chat metadata
// ABOUTME: Tracker remembers seen protocol message IDs per session with bounded size

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const keySep = "\x00"

type trackerEntry struct {
	expiresAt time.Time
	element   *list.Element
}

// Tracker is a thread-safe, TTL-based, size-limited record of protocol
// message IDs already processed per session. The receive pipeline consults
// it before persisting, so redelivered socket events collapse to one record.
// Insertion order is kept in a linked list for O(1) eviction at capacity.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewTracker creates a tracker with the given TTL and maximum size.
// A background goroutine sweeps expired entries once a minute.
func NewTracker(ttl time.Duration, maxSize int) *Tracker {
	t := &Tracker{
		entries: make(map[string]*trackerEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Seen reports whether the (session, message ID) pair was already marked
// and is still fresh. It does not mark; callers mark only after the
// message is durably persisted, so a failed attempt can be retried.
func (t *Tracker) Seen(sessionID, messageID string) bool {
	key := sessionID + keySep + messageID

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	return ok && time.Now().Before(entry.expiresAt)
}

// Mark records the (session, message ID) pair as processed.
func (t *Tracker) Mark(sessionID, messageID string) {
	key := sessionID + keySep + messageID

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(key, time.Now())
}

// recordLocked inserts or refreshes a key. Caller holds t.mu.
func (t *Tracker) recordLocked(key string, now time.Time) {
	if entry, ok := t.entries[key]; ok {
		entry.expiresAt = now.Add(t.ttl)
		t.order.MoveToBack(entry.element)
		return
	}

	if len(t.entries) >= t.maxSize {
		if front := t.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			t.order.Remove(front)
			delete(t.entries, oldest)
		}
	}

	t.entries[key] = &trackerEntry{
		expiresAt: now.Add(t.ttl),
		element:   t.order.PushBack(key),
	}
}

// ForgetSession drops every entry belonging to a session. Called when a
// session is deleted so a recreated session starts clean.
func (t *Tracker) ForgetSession(sessionID string) {
	prefix := sessionID + keySep

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		if strings.HasPrefix(key, prefix) {
			t.order.Remove(entry.element)
			delete(t.entries, key)
		}
	}
}

// Len returns the number of live entries, expired or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeExpired()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) removeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.entries {
		if now.After(entry.expiresAt) {
			t.order.Remove(entry.element)
			delete(t.entries, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
