// ABOUTME: Workers for session lifecycle control jobs and maintenance cleanup

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

// handleSessionInit starts a session. Deleted sessions are dropped
// silently; transient failures retry through the queue.
func (w *Workers) handleSessionInit(ctx context.Context, job *queue.Job) error {
	var payload SessionControlJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable session-init job", "job_id", job.ID, "error", err)
		return nil
	}

	err := w.sessions.StartSession(ctx, payload.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// handleSessionClose stops or restarts a session.
func (w *Workers) handleSessionClose(ctx context.Context, job *queue.Job) error {
	var payload SessionControlJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable session-close job", "job_id", job.ID, "error", err)
		return nil
	}

	if payload.Reason == string(session.StopRestart) {
		return w.sessions.RestartSession(ctx, payload.SessionID)
	}
	err := w.sessions.StopSession(ctx, payload.SessionID, session.StopShutdown)
	if errors.Is(err, session.ErrNotRunning) {
		return nil
	}
	return err
}

// handleCleanup prunes old audit events.
func (w *Workers) handleCleanup(ctx context.Context, job *queue.Job) error {
	var payload CleanupJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable cleanup job", "job_id", job.ID, "error", err)
		return nil
	}

	retention := defaultEventRetention
	if payload.RetainEvents != "" {
		parsed, err := time.ParseDuration(payload.RetainEvents)
		if err != nil {
			w.logger.Warn("invalid event retention override, using default",
				"value", payload.RetainEvents, "error", err)
		} else {
			retention = parsed
		}
	}

	removed, err := w.store.PruneEvents(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	if removed > 0 {
		w.logger.Info("pruned audit events", "removed", removed, "retention", retention)
	}
	return nil
}
