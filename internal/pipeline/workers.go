// ABOUTME: Worker pool registration binding queue names to their handlers

package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/dedupe"
	"github.com/zaphub/gateway/internal/media"
	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

const (
	// downloadTimeout bounds one media fetch from the network.
	downloadTimeout = 60 * time.Second
	// sendTimeout bounds one socket send.
	sendTimeout = 60 * time.Second
	// mediaRetryDelay is the fixed delay between media materialization
	// attempts of the same inbound message.
	mediaRetryDelay = 10 * time.Second
	// mediaAttemptBudget caps materialization tries before degraded
	// delivery with raw media references.
	mediaAttemptBudget = 3

	// trackerTTL and trackerSize bound the inbound dedup window.
	trackerTTL  = 30 * time.Minute
	trackerSize = 50000

	// defaultEventRetention is how long audit events are kept by the
	// maintenance pass.
	defaultEventRetention = 30 * 24 * time.Hour
)

// Sessions is the slice of the connection manager the workers need.
type Sessions interface {
	StartSession(ctx context.Context, sessionID string) error
	StopSession(ctx context.Context, sessionID string, reason session.StopReason) error
	RestartSession(ctx context.Context, sessionID string) error
	Socket(sessionID string) (protocol.Socket, error)
}

// Workers holds the queue handlers for the message and webhook pipelines.
type Workers struct {
	store    store.Store
	enq      *Enqueuer
	sessions Sessions
	media    media.Storage
	tracker  *dedupe.Tracker
	sender   *WebhookSender
	fetch    *http.Client
	cfg      *config.Config
	logger   *slog.Logger
}

// NewWorkers creates the pipeline workers.
func NewWorkers(st store.Store, enq *Enqueuer, sessions Sessions, mediaStore media.Storage, cfg *config.Config) *Workers {
	return &Workers{
		store:    st,
		enq:      enq,
		sessions: sessions,
		media:    mediaStore,
		tracker:  dedupe.NewTracker(trackerTTL, trackerSize),
		sender:   NewWebhookSender(cfg.Webhook.Timeout, cfg.Webhook.SignatureSecret),
		fetch:    &http.Client{Timeout: downloadTimeout},
		cfg:      cfg,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Register subscribes every handler on the broker with its configured
// concurrency. Must be called before the broker starts.
func (w *Workers) Register(broker queue.Broker) {
	c := w.cfg.Queue.Concurrency
	broker.Subscribe(queue.SessionInit, c.SessionInit, w.handleSessionInit)
	broker.Subscribe(queue.SessionClose, c.SessionInit, w.handleSessionClose)
	broker.Subscribe(queue.MessageSend, c.Send, w.handleSend)
	broker.Subscribe(queue.MessageReceive, c.Receive, w.handleReceive)
	broker.Subscribe(queue.MessageStatus, c.Status, w.handleStatus)
	broker.Subscribe(queue.ReceiptEvents, c.Events, w.handleReceipt)
	broker.Subscribe(queue.PresenceEvents, c.Events, w.handleEvent)
	broker.Subscribe(queue.CallEvents, c.Events, w.handleCall)
	broker.Subscribe(queue.WebhookDelivery, c.Webhook, w.handleWebhook)
	broker.Subscribe(queue.Maintenance, 1, w.handleCleanup)
}

// Tracker exposes the dedup tracker so session deletion can clear it.
func (w *Workers) Tracker() *dedupe.Tracker {
	return w.tracker
}

// Close releases worker resources.
func (w *Workers) Close() {
	w.tracker.Close()
}

// audit appends an event, logging instead of failing the caller.
func (w *Workers) audit(ctx context.Context, sessionID, eventType, category string, payload map[string]any) {
	err := w.store.AppendEvent(ctx, &store.Event{
		SessionID: sessionID,
		Type:      eventType,
		Category:  category,
		Payload:   payload,
	})
	if err != nil {
		w.logger.Error("appending audit event failed",
			"session_id", sessionID, "event", eventType, "error", err)
	}
}

// notify audits and enqueues a webhook for the same event.
func (w *Workers) notify(ctx context.Context, sessionID, eventType, category string, payload map[string]any) {
	w.audit(ctx, sessionID, eventType, category, payload)
	if err := w.enq.EnqueueWebhook(ctx, sessionID, eventType, payload); err != nil {
		w.logger.Error("enqueuing webhook failed",
			"session_id", sessionID, "event", eventType, "error", err)
	}
}
