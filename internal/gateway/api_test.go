// ABOUTME: HTTP API tests exercising session CRUD, send idempotency, and QR serving

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/dedupe"
	"github.com/zaphub/gateway/internal/pipeline"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

type fakeControl struct {
	deleted   []string
	loggedOut []string
	logoutErr error
}

func (f *fakeControl) DeleteSession(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeControl) Logout(ctx context.Context, sessionID string) error {
	if f.logoutErr != nil {
		return f.logoutErr
	}
	f.loggedOut = append(f.loggedOut, sessionID)
	return nil
}

type apiFixture struct {
	echo    *echo.Echo
	store   store.Store
	control *fakeControl
	tracker *dedupe.Tracker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Database.Path = ":memory:"

	broker := queue.NewMemoryBroker(cfg.Queue.MaxAttempts, cfg.Queue.BackoffDelay)
	enq := pipeline.NewEnqueuer(broker, st, cfg.Webhook)
	control := &fakeControl{}
	tracker := dedupe.NewTracker(time.Minute, 100)
	t.Cleanup(tracker.Close)

	e := echo.New()
	newHandler(st, enq, control, tracker, cfg).registerRoutes(e)

	return &apiFixture{echo: e, store: st, control: control, tracker: tracker}
}

func (f *apiFixture) request(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) seedSession(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateSession(context.Background(), &store.Session{
		ID:     id,
		Label:  "tenant",
		Status: store.SessionConnected,
	}))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(http.MethodPost, "/v1/sessions", `{"label":"support line","webhookUrl":"https://example.test/hook"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "disconnected", created["status"])

	rec = f.request(http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON(t, rec)
	assert.Equal(t, "support line", got["label"])
	assert.Equal(t, "https://example.test/hook", got["webhookUrl"])
}

func TestCreateSessionRequiresLabel(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(http.MethodPost, "/v1/sessions", `{"webhookUrl":"https://example.test"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(http.MethodGet, "/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSessionWebhook(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")

	rec := f.request(http.MethodPatch, "/v1/sessions/s1", `{"webhookUrl":"https://new.example.test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON(t, rec)
	assert.Equal(t, "https://new.example.test", got["webhookUrl"])
	assert.Equal(t, "tenant", got["label"])
}

func TestDeleteSessionClearsTracker(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	f.tracker.Mark("s1", "MSG-1")

	rec := f.request(http.MethodDelete, "/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s1"}, f.control.deleted)
	assert.False(t, f.tracker.Seen("s1", "MSG-1"))
}

func TestSessionControlEndpointsAccepted(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")

	for _, action := range []string{"start", "stop", "restart"} {
		rec := f.request(http.MethodPost, "/v1/sessions/s1/"+action, "")
		assert.Equal(t, http.StatusAccepted, rec.Code, action)
	}

	rec := f.request(http.MethodPost, "/v1/sessions/missing/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutRequiresLiveSession(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	f.control.logoutErr = session.ErrNotRunning

	rec := f.request(http.MethodPost, "/v1/sessions/s1/logout", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.control.logoutErr = nil
	rec = f.request(http.MethodPost, "/v1/sessions/s1/logout", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"s1"}, f.control.loggedOut)
}

func TestQRServing(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	ctx := context.Background()

	rec := f.request(http.MethodGet, "/v1/sessions/s1/qr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	now := time.Now().UTC()
	_, err := f.store.UpdateSession(ctx, "s1", store.SessionUpdate{
		Status:   statusPtr(store.SessionQRPending),
		QRCode:   strPtr("2@pairing-material"),
		LastQRAt: &now,
	})
	require.NoError(t, err)

	rec = f.request(http.MethodGet, "/v1/sessions/s1/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@pairing-material", decodeJSON(t, rec)["qrCode"])

	stale := now.Add(-5 * time.Minute)
	_, err = f.store.UpdateSession(ctx, "s1", store.SessionUpdate{LastQRAt: &stale})
	require.NoError(t, err)

	rec = f.request(http.MethodGet, "/v1/sessions/s1/qr", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSendMessageIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	body := `{"messageId":"key-1","to":"5511999990000@s.whatsapp.net","type":"text","payload":{"text":"hello"}}`

	rec := f.request(http.MethodPost, "/v1/sessions/s1/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decodeJSON(t, rec)
	assert.Equal(t, true, first["created"])

	rec = f.request(http.MethodPost, "/v1/sessions/s1/messages", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeJSON(t, rec)
	assert.Equal(t, false, second["created"])

	firstMsg := first["message"].(map[string]any)
	secondMsg := second["message"].(map[string]any)
	assert.Equal(t, firstMsg["id"], secondMsg["id"])
}

func TestSendMessageRejectsInvalidPayload(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")

	rec := f.request(http.MethodPost, "/v1/sessions/s1/messages",
		`{"messageId":"key-1","to":"5511999990000@s.whatsapp.net","type":"text","payload":{"text":""}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/v1/sessions/s1/messages",
		`{"to":"5511999990000@s.whatsapp.net","type":"text","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageUnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(http.MethodPost, "/v1/sessions/nope/messages",
		`{"messageId":"key-1","to":"5511999990000@s.whatsapp.net","type":"text","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMessagesWithFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	ctx := context.Background()

	for i, status := range []store.MessageStatus{store.MessageSent, store.MessageFailed} {
		_, _, err := f.store.CreateMessage(ctx, &store.Message{
			SessionID: "s1",
			ClientKey: "k" + string(rune('1'+i)),
			Direction: store.DirectionOutbound,
			Status:    status,
			Type:      "text",
		})
		require.NoError(t, err)
	}

	rec := f.request(http.MethodGet, "/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeJSON(t, rec)["messages"].([]any)
	assert.Len(t, all, 2)

	rec = f.request(http.MethodGet, "/v1/sessions/s1/messages?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeJSON(t, rec)["messages"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "failed", failed[0].(map[string]any)["status"])
}

func TestRetryMessageRejectsLiveMessage(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	ctx := context.Background()

	msg := &store.Message{
		SessionID: "s1",
		ClientKey: "k1",
		Direction: store.DirectionOutbound,
		Status:    store.MessageSent,
		Type:      "text",
	}
	_, _, err := f.store.CreateMessage(ctx, msg)
	require.NoError(t, err)

	rec := f.request(http.MethodPost, "/v1/messages/"+msg.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = f.store.UpdateMessageStatus(ctx, msg.ID, store.MessageFailed, store.MessageStatusUpdate{})
	require.NoError(t, err)

	rec = f.request(http.MethodPost, "/v1/messages/"+msg.ID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestListEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.store.AppendEvent(ctx, &store.Event{
		SessionID: "s1",
		Type:      "session.connected",
		Category:  store.CategorySession,
		Payload:   map[string]any{"jid": "551199@s.whatsapp.net"},
	}))
	require.NoError(t, f.store.AppendEvent(ctx, &store.Event{
		SessionID: "s1",
		Type:      "webhook.failed",
		Category:  store.CategoryWebhook,
	}))

	rec := f.request(http.MethodGet, "/v1/sessions/s1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON(t, rec)["events"].([]any), 2)

	rec = f.request(http.MethodGet, "/v1/sessions/s1/events?category=webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeJSON(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "webhook.failed", events[0].(map[string]any)["type"])
}

func statusPtr(s store.SessionStatus) *store.SessionStatus { return &s }
func strPtr(s string) *string                              { return &s }
