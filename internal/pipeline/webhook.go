// ABOUTME: Webhook delivery worker posting signed event envelopes to tenant endpoints
// ABOUTME: Audits every attempt outcome and abandons after the configured retry budget

package pipeline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/store"
)

// envelope is the JSON body posted to webhook endpoints.
type envelope struct {
	Event      string          `json:"event"`
	SessionID  string          `json:"sessionId"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	DeliveryID string          `json:"deliveryId"`
}

// WebhookSender posts event envelopes to tenant endpoints. When a
// signature secret is configured every request carries an HMAC-SHA256
// signature of the body.
type WebhookSender struct {
	client *http.Client
	secret string
	logger *slog.Logger
}

// NewWebhookSender creates a sender with the given per-request timeout.
func NewWebhookSender(timeout time.Duration, secret string) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		logger: slog.Default().With("component", "webhook"),
	}
}

// Deliver posts one envelope. Any status outside 2xx is a failure.
func (s *WebhookSender) Deliver(ctx context.Context, url string, job WebhookJob) error {
	body, err := json.Marshal(envelope{
		Event:      job.Event,
		SessionID:  job.SessionID,
		Payload:    job.Payload,
		Timestamp:  job.Timestamp,
		DeliveryID: job.DeliveryID,
	})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ZapHub-Event", job.Event)
	req.Header.Set("X-ZapHub-Session", job.SessionID)
	req.Header.Set("X-ZapHub-Delivery", job.DeliveryID)
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		req.Header.Set("X-ZapHub-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// handleWebhook delivers one webhook job. The webhook URL is re-read per
// attempt so a tenant can repoint or disable their endpoint mid-series.
func (w *Workers) handleWebhook(ctx context.Context, job *queue.Job) error {
	var payload WebhookJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("undecodable webhook job", "job_id", job.ID, "error", err)
		return nil
	}

	sess, err := w.store.GetSession(ctx, payload.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.WebhookURL == "" {
		return nil
	}

	deliverErr := w.sender.Deliver(ctx, sess.WebhookURL, payload)
	if deliverErr == nil {
		w.audit(ctx, payload.SessionID, "webhook.delivered", store.CategoryWebhook, map[string]any{
			"deliveryId": payload.DeliveryID,
			"event":      payload.Event,
			"attempt":    job.Attempts,
		})
		return nil
	}

	w.logger.Warn("webhook delivery failed",
		"session_id", payload.SessionID, "delivery_id", payload.DeliveryID,
		"event", payload.Event, "attempt", job.Attempts, "error", deliverErr)
	w.audit(ctx, payload.SessionID, "webhook.failed", store.CategoryWebhook, map[string]any{
		"deliveryId": payload.DeliveryID,
		"event":      payload.Event,
		"attempt":    job.Attempts,
		"error":      deliverErr.Error(),
	})

	if job.Attempts >= job.MaxAttempts {
		w.audit(ctx, payload.SessionID, "webhook.abandoned", store.CategoryWebhook, map[string]any{
			"deliveryId": payload.DeliveryID,
			"event":      payload.Event,
			"attempts":   job.Attempts,
			"error":      deliverErr.Error(),
		})
	}
	return deliverErr
}
