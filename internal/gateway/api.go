// ABOUTME: HTTP API handlers for session control, messaging, and audit queries
// ABOUTME: Thin layer over the store, the enqueuer, and the connection manager

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/content"
	"github.com/zaphub/gateway/internal/dedupe"
	"github.com/zaphub/gateway/internal/pipeline"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

// sessionControl is the slice of the connection manager the API calls
// synchronously. Start/stop/restart go through the durable queues instead.
type sessionControl interface {
	DeleteSession(ctx context.Context, sessionID string) error
	Logout(ctx context.Context, sessionID string) error
}

type handler struct {
	store    store.Store
	enq      *pipeline.Enqueuer
	sessions sessionControl
	tracker  *dedupe.Tracker
	cfg      *config.Config
	logger   *slog.Logger
}

func newHandler(st store.Store, enq *pipeline.Enqueuer, sessions sessionControl, tracker *dedupe.Tracker, cfg *config.Config) *handler {
	return &handler{
		store:    st,
		enq:      enq,
		sessions: sessions,
		tracker:  tracker,
		cfg:      cfg,
		logger:   slog.Default().With("component", "api"),
	}
}

func (h *handler) registerRoutes(e *echo.Echo) {
	e.GET("/health", h.health)

	e.POST("/v1/sessions", h.createSession)
	e.GET("/v1/sessions", h.listSessions)
	e.GET("/v1/sessions/:id", h.getSession)
	e.PATCH("/v1/sessions/:id", h.updateSession)
	e.DELETE("/v1/sessions/:id", h.deleteSession)
	e.GET("/v1/sessions/:id/qr", h.getQR)
	e.POST("/v1/sessions/:id/start", h.startSession)
	e.POST("/v1/sessions/:id/stop", h.stopSession)
	e.POST("/v1/sessions/:id/restart", h.restartSession)
	e.POST("/v1/sessions/:id/logout", h.logoutSession)

	e.POST("/v1/sessions/:id/messages", h.sendMessage)
	e.GET("/v1/sessions/:id/messages", h.listMessages)
	e.GET("/v1/sessions/:id/events", h.listEvents)
	e.GET("/v1/messages/:id", h.getMessage)
	e.POST("/v1/messages/:id/retry", h.retryMessage)
}

type sessionResponse struct {
	ID             string         `json:"id"`
	Label          string         `json:"label"`
	Status         string         `json:"status"`
	WebhookURL     string         `json:"webhookUrl,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	ConnectedAt    *time.Time     `json:"connectedAt,omitempty"`
	DisconnectedAt *time.Time     `json:"disconnectedAt,omitempty"`
	LastSeen       *time.Time     `json:"lastSeen,omitempty"`
	ErrorMessage   string         `json:"error,omitempty"`
	RetryCount     int            `json:"retryCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Label:          s.Label,
		Status:         string(s.Status),
		WebhookURL:     s.WebhookURL,
		Config:         s.Config,
		ConnectedAt:    s.ConnectedAt,
		DisconnectedAt: s.DisconnectedAt,
		LastSeen:       s.LastSeen,
		ErrorMessage:   s.ErrorMessage,
		RetryCount:     s.RetryCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

type messageResponse struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"sessionId"`
	ClientKey         string          `json:"messageId"`
	Direction         string          `json:"direction"`
	Status            string          `json:"status"`
	Type              string          `json:"type"`
	Recipient         string          `json:"to"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ProtocolMessageID string          `json:"protocolMessageId,omitempty"`
	QueuedAt          time.Time       `json:"queuedAt"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time      `json:"readAt,omitempty"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"maxAttempts"`
	ErrorMessage      string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

func toMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		ID:                m.ID,
		SessionID:         m.SessionID,
		ClientKey:         m.ClientKey,
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		Type:              m.Type,
		Recipient:         m.Recipient,
		Payload:           m.Payload,
		ProtocolMessageID: m.ProtocolMessageID,
		QueuedAt:          m.QueuedAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
	}
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type createSessionRequest struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	WebhookURL string         `json:"webhookUrl"`
	Config     map[string]any `json:"config"`
}

// createSession registers a session record. The session stays offline
// until start is called.
func (h *handler) createSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Label == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "label is required"})
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	sess := &store.Session{
		ID:         req.ID,
		Label:      req.Label,
		Status:     store.SessionDisconnected,
		WebhookURL: req.WebhookURL,
		Config:     req.Config,
	}
	if err := h.store.CreateSession(ctx, sess); err != nil {
		h.logger.Error("creating session failed", "error", err)
		return c.JSON(http.StatusConflict, map[string]string{"error": "session already exists or could not be created"})
	}

	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

func (h *handler) listSessions(c echo.Context) error {
	sessions, err := h.store.ListSessions(c.Request().Context())
	if err != nil {
		h.logger.Error("listing sessions failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
	}

	out := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionResponse(s)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (h *handler) getSession(c echo.Context) error {
	sess, err := h.store.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		h.logger.Error("getting session failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get session"})
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

type updateSessionRequest struct {
	Label      *string `json:"label"`
	WebhookURL *string `json:"webhookUrl"`
}

func (h *handler) updateSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req updateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Label != nil && *req.Label == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "label cannot be empty"})
	}

	sess, err := h.store.UpdateSession(ctx, c.Param("id"), store.SessionUpdate{
		Label:      req.Label,
		WebhookURL: req.WebhookURL,
	})
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		h.logger.Error("updating session failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update session"})
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (h *handler) deleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	if err := h.sessions.DeleteSession(ctx, id); err != nil {
		h.logger.Error("deleting session failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete session"})
	}
	h.tracker.ForgetSession(id)

	return c.NoContent(http.StatusNoContent)
}

// getQR returns the current pairing code. Codes expire and are replaced
// until pairing succeeds; expired codes are not served.
func (h *handler) getQR(c echo.Context) error {
	sess, err := h.store.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get session"})
	}

	if sess.Status != store.SessionQRPending || sess.QRCode == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no qr code available"})
	}
	if sess.LastQRAt != nil && time.Since(*sess.LastQRAt) > h.cfg.Session.QRTTL {
		return c.JSON(http.StatusGone, map[string]string{"error": "qr code expired, restart the session"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"qrCode":   sess.QRCode,
		"issuedAt": sess.LastQRAt,
	})
}

// startSession enqueues a durable session-init job.
func (h *handler) startSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	if err := h.enq.EnqueueSessionInit(ctx, id); err != nil {
		h.logger.Error("enqueuing session init failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start session"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "starting"})
}

func (h *handler) stopSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	if err := h.enq.EnqueueSessionClose(ctx, id, string(session.StopShutdown)); err != nil {
		h.logger.Error("enqueuing session close failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to stop session"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (h *handler) restartSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	if err := h.enq.EnqueueSessionClose(ctx, id, string(session.StopRestart)); err != nil {
		h.logger.Error("enqueuing session restart failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to restart session"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "restarting"})
}

// logoutSession invalidates the pairing server-side. Runs synchronously
// because it needs the live socket.
func (h *handler) logoutSession(c echo.Context) error {
	err := h.sessions.Logout(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrNotRunning) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "session is not connected"})
	}
	if err != nil {
		h.logger.Error("logout failed", "session_id", c.Param("id"), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to log out"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "logged_out"})
}

// sendMessage accepts an outbound message. Repeating a messageId returns
// the existing record instead of creating a duplicate.
func (h *handler) sendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req pipeline.SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	msg, created, err := h.enq.EnqueueSend(ctx, id, req)
	if errors.Is(err, content.ErrInvalid) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		h.logger.Error("enqueuing send failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to queue message"})
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"created": created,
		"message": toMessageResponse(msg),
	})
}

func (h *handler) listMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	filter := store.MessageFilter{
		Status:    store.MessageStatus(c.QueryParam("status")),
		Direction: store.Direction(c.QueryParam("direction")),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		filter.Limit = limit
	}

	messages, err := h.store.ListMessages(ctx, id, filter)
	if err != nil {
		h.logger.Error("listing messages failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list messages"})
	}

	out := make([]messageResponse, len(messages))
	for i, m := range messages {
		out[i] = toMessageResponse(m)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": out})
}

func (h *handler) getMessage(c echo.Context) error {
	msg, err := h.store.GetMessage(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get message"})
	}
	return c.JSON(http.StatusOK, toMessageResponse(msg))
}

// retryMessage re-queues a failed or dead-lettered message.
func (h *handler) retryMessage(c echo.Context) error {
	msg, err := h.enq.RetrySend(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
	}
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, toMessageResponse(msg))
}

func (h *handler) listEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	filter := store.EventFilter{
		SessionID: id,
		Type:      c.QueryParam("type"),
		Category:  c.QueryParam("category"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		filter.Limit = limit
	}

	events, err := h.store.ListEvents(ctx, filter)
	if err != nil {
		h.logger.Error("listing events failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}

	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = eventResponse{
			ID:        ev.ID,
			SessionID: ev.SessionID,
			Type:      ev.Type,
			Category:  ev.Category,
			Payload:   ev.Payload,
			Severity:  ev.Severity,
			CreatedAt: ev.CreatedAt,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}

type eventResponse struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`
	Severity  string         `json:"severity"`
	CreatedAt time.Time      `json:"createdAt"`
}
