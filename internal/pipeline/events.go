// ABOUTME: Workers for presence, reaction, group, and call events flowing to webhooks

package pipeline

import (
	"context"
	"encoding/json"

	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// handleEvent processes presence, reaction, and group updates.
func (w *Workers) handleEvent(ctx context.Context, job *queue.Job) error {
	var payload EventJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable event job", "job_id", job.ID, "error", err)
		return nil
	}

	switch {
	case payload.Presence != nil:
		p := payload.Presence
		event := map[string]any{
			"chat":        p.Chat,
			"participant": p.Participant,
			"state":       p.State,
		}
		if p.LastSeen != nil {
			event["lastSeen"] = p.LastSeen.UTC()
		}
		w.notify(ctx, payload.SessionID, "presence.update", store.CategoryPresence, event)

	case payload.Reaction != nil:
		r := payload.Reaction
		w.notify(ctx, payload.SessionID, "message.reaction", store.CategoryReaction, map[string]any{
			"protocolMessageId": r.MessageID,
			"chat":              r.Chat,
			"sender":            r.Sender,
			"fromMe":            r.FromMe,
			"emoji":             r.Emoji,
			"timestamp":         r.Timestamp.UTC(),
		})

	case payload.Group != nil:
		g := payload.Group
		w.notify(ctx, payload.SessionID, "group.update", store.CategoryGroup, map[string]any{
			"chat":         g.Chat,
			"action":       g.Action,
			"actor":        g.Actor,
			"participants": g.Participants,
			"subject":      g.Subject,
			"timestamp":    g.Timestamp.UTC(),
		})
	}
	return nil
}

// handleCall processes call events. The event type carries the call
// status so consumers can subscribe selectively.
func (w *Workers) handleCall(ctx context.Context, job *queue.Job) error {
	var payload CallJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable call job", "job_id", job.ID, "error", err)
		return nil
	}

	w.notify(ctx, payload.SessionID, "call."+payload.Call.Status, store.CategoryCall, map[string]any{
		"callId":    payload.Call.CallID,
		"from":      payload.Call.From,
		"status":    payload.Call.Status,
		"isVideo":   payload.Call.IsVideo,
		"timestamp": payload.Call.Timestamp.UTC(),
	})
	return nil
}
