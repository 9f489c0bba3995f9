// ABOUTME: Tests for audit event persistence and media attachment records

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := &Event{
		SessionID: "session-1",
		Type:      "session.connected",
		Category:  CategorySession,
		Payload:   map[string]any{"jid": "5511999990000@s.whatsapp.net"},
	}
	require.NoError(t, s.AppendEvent(ctx, event))
	require.NotEmpty(t, event.ID)
	assert.Equal(t, "info", event.Severity)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		SessionID: "session-1",
		Type:      "webhook.failed",
		Category:  CategoryWebhook,
		Severity:  "warn",
	}))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		SessionID: "session-2",
		Type:      "session.connected",
		Category:  CategorySession,
	}))

	all, err := s.ListEvents(ctx, EventFilter{SessionID: "session-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	webhooks, err := s.ListEvents(ctx, EventFilter{Category: CategoryWebhook})
	require.NoError(t, err)
	require.Len(t, webhooks, 1)
	assert.Equal(t, "warn", webhooks[0].Severity)

	byType, err := s.ListEvents(ctx, EventFilter{Type: "session.connected"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)
}

func TestListEventsPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{
		SessionID: "s1",
		Type:      "message.dlq",
		Category:  CategoryMessage,
		Payload:   map[string]any{"messageId": "m1", "attempts": float64(5)},
	}))

	events, err := s.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].Payload["messageId"])
	assert.Equal(t, float64(5), events[0].Payload["attempts"])
}

func TestPruneEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &Event{
		SessionID: "s1",
		Type:      "session.connected",
		Category:  CategorySession,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, s.AppendEvent(ctx, old))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		SessionID: "s1",
		Type:      "session.disconnected",
		Category:  CategorySession,
	}))

	removed, err := s.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := s.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "session.disconnected", remaining[0].Type)
}

func TestMediaAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := createTestSession(t, s)

	msg := &Message{SessionID: session.ID, ClientKey: "k1", Direction: DirectionInbound, Type: "image"}
	_, _, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	media := &MediaAttachment{
		MessageID:    msg.ID,
		SessionID:    session.ID,
		Kind:         "image",
		MimeType:     "image/jpeg",
		FileName:     "abc123.jpg",
		OriginalName: "photo.jpg",
		Size:         204800,
		URL:          "/media/abc123.jpg",
	}
	require.NoError(t, s.CreateMediaAttachment(ctx, media))
	require.NotEmpty(t, media.ID)

	attachments, err := s.ListMediaByMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "image/jpeg", attachments[0].MimeType)
	assert.Equal(t, int64(204800), attachments[0].Size)

	none, err := s.ListMediaByMessage(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
