// ABOUTME: Tests for the message ID tracker and the TTL value cache

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerSeenAndMark(t *testing.T) {
	tracker := NewTracker(time.Minute, 100)
	defer tracker.Close()

	assert.False(t, tracker.Seen("s1", "msg-1"), "unmarked entry is not seen")
	tracker.Mark("s1", "msg-1")
	assert.True(t, tracker.Seen("s1", "msg-1"))

	// Seen alone does not mark.
	assert.False(t, tracker.Seen("s1", "msg-2"))
	assert.False(t, tracker.Seen("s1", "msg-2"))

	// Same message ID under a different session is independent.
	assert.False(t, tracker.Seen("s2", "msg-1"))
}

func TestTrackerExpiry(t *testing.T) {
	tracker := NewTracker(20*time.Millisecond, 100)
	defer tracker.Close()

	tracker.Mark("s1", "msg-1")
	time.Sleep(40 * time.Millisecond)
	assert.False(t, tracker.Seen("s1", "msg-1"), "expired entry is forgotten")
}

func TestTrackerEvictsOldestAtCapacity(t *testing.T) {
	tracker := NewTracker(time.Minute, 3)
	defer tracker.Close()

	for i := 0; i < 3; i++ {
		tracker.Mark("s1", fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 3, tracker.Len())

	// Adding a fourth evicts msg-0.
	tracker.Mark("s1", "msg-3")
	assert.Equal(t, 3, tracker.Len())
	assert.False(t, tracker.Seen("s1", "msg-0"), "evicted entry was forgotten")
}

func TestTrackerForgetSession(t *testing.T) {
	tracker := NewTracker(time.Minute, 100)
	defer tracker.Close()

	tracker.Mark("s1", "a")
	tracker.Mark("s1", "b")
	tracker.Mark("s2", "a")

	tracker.ForgetSession("s1")

	assert.False(t, tracker.Seen("s1", "a"))
	assert.True(t, tracker.Seen("s2", "a"), "other sessions keep their entries")
}

func TestTrackerCloseIdempotent(t *testing.T) {
	tracker := NewTracker(time.Minute, 10)
	tracker.Close()
	tracker.Close()
}

func TestTTLCache(t *testing.T) {
	cache := NewTTLCache(20 * time.Millisecond)

	cache.Put("chat-1", "Support Group")
	value, ok := cache.Get("chat-1")
	assert.True(t, ok)
	assert.Equal(t, "Support Group", value)

	_, ok = cache.Get("chat-2")
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = cache.Get("chat-1")
	assert.False(t, ok, "entries expire")

	cache.Put("chat-3", 1)
	cache.Delete("chat-3")
	_, ok = cache.Get("chat-3")
	assert.False(t, ok)
}

func TestTTLCachePurge(t *testing.T) {
	cache := NewTTLCache(10 * time.Millisecond)
	cache.Put("a", 1)
	cache.Put("b", 2)

	time.Sleep(30 * time.Millisecond)
	cache.Purge()

	assert.Empty(t, cache.entries)
}
