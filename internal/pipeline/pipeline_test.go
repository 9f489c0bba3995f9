// ABOUTME: Tests for the message and webhook pipelines over the in-memory broker
// ABOUTME: Covers send idempotency, inbound dedup, receipt monotonicity, and webhook retries

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/content"
	"github.com/zaphub/gateway/internal/media"
	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

type fakeSocket struct {
	mu           sync.Mutex
	sendCalls    int
	sendErr      error
	lastSent     content.Content
	downloadErr  error
	downloadData []byte
	events       chan protocol.Event
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan protocol.Event, 16), downloadData: []byte("binary")}
}

func (s *fakeSocket) Events() <-chan protocol.Event { return s.events }

func (s *fakeSocket) Send(ctx context.Context, to string, c content.Content) (*protocol.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	s.lastSent = c
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &protocol.SendResult{
		ProtocolMessageID: "PROTO-1",
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (s *fakeSocket) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	return s.downloadData, nil
}

func (s *fakeSocket) OwnIdentities() []string         { return nil }
func (s *fakeSocket) Logout(ctx context.Context) error { return nil }
func (s *fakeSocket) Close() error                     { return nil }

func (s *fakeSocket) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *fakeSocket) sent() content.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

type fakeSessions struct {
	mu        sync.Mutex
	sockets   map[string]protocol.Socket
	started   []string
	stopped   []string
	restarted []string
}

func (f *fakeSessions) StartSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
	return nil
}

func (f *fakeSessions) StopSession(ctx context.Context, sessionID string, reason session.StopReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSessions) RestartSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, sessionID)
	return nil
}

func (f *fakeSessions) Socket(sessionID string) (protocol.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sock, ok := f.sockets[sessionID]
	if !ok {
		return nil, session.ErrNotRunning
	}
	return sock, nil
}

type fixture struct {
	store    store.Store
	broker   *queue.MemoryBroker
	enq      *Enqueuer
	workers  *Workers
	sessions *fakeSessions
	socket   *fakeSocket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Webhook.RetryAttempts = 2
	cfg.Webhook.RetryDelay = time.Millisecond
	cfg.Webhook.Timeout = 2 * time.Second

	broker := queue.NewMemoryBroker(cfg.Queue.MaxAttempts, time.Millisecond)
	enq := NewEnqueuer(broker, st, cfg.Webhook)

	socket := newFakeSocket()
	sessions := &fakeSessions{sockets: map[string]protocol.Socket{"sess-1": socket}}

	mediaStore, err := media.NewLocalStorage(t.TempDir(), "/media")
	require.NoError(t, err)

	workers := NewWorkers(st, enq, sessions, mediaStore, cfg)
	workers.Register(broker)

	ctx, cancel := context.WithCancel(context.Background())
	go broker.Start(ctx)
	t.Cleanup(func() {
		cancel()
		broker.Close()
		workers.Close()
	})

	return &fixture{store: st, broker: broker, enq: enq, workers: workers, sessions: sessions, socket: socket}
}

func (f *fixture) createSession(t *testing.T, webhookURL string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:         "sess-1",
		Label:      "test tenant",
		Status:     store.SessionConnected,
		WebhookURL: webhookURL,
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func textRequest(key string) SendRequest {
	return SendRequest{
		ClientKey: key,
		To:        "5511999990000@s.whatsapp.net",
		Type:      content.TypeText,
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}
}

func TestSendDeliversOnceForRepeatedClientKey(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	first, created, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-1"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	waitFor(t, 2*time.Second, func() bool {
		msg, err := f.store.GetMessage(ctx, first.ID)
		return err == nil && msg.Status == store.MessageSent
	})

	msg, err := f.store.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "PROTO-1", msg.ProtocolMessageID)
	assert.NotNil(t, msg.SentAt)
	assert.Equal(t, 1, f.socket.calls())
}

func TestSendRejectsInvalidContent(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")

	req := textRequest("key-bad")
	req.Payload = json.RawMessage(`{"text":""}`)
	_, _, err := f.enq.EnqueueSend(context.Background(), "sess-1", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, content.ErrInvalid)
}

func TestSendResolvesRemoteContentBeforeDelivery(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer server.Close()

	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	req := SendRequest{
		ClientKey: "key-img",
		To:        "5511999990000@s.whatsapp.net",
		Type:      content.TypeImage,
		Payload:   json.RawMessage(`{"url":"` + server.URL + `/photo.jpg","caption":"hi"}`),
	}
	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", req)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageSent
	})

	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()

	img, ok := f.socket.sent().(*content.Image)
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg-bytes"), img.Data)
}

func TestSendFailsWhenContentFetchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	req := SendRequest{
		ClientKey: "key-doc-bad",
		To:        "5511999990000@s.whatsapp.net",
		Type:      content.TypeDocument,
		Payload:   json.RawMessage(`{"url":"` + server.URL + `/report.pdf"}`),
	}
	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", req)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageDLQ
	})

	m, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, m.ErrorMessage, "unexpected status")
	assert.Equal(t, 0, f.socket.calls(), "a failed resolution never reaches the socket")
}

func TestSendDeadLettersAfterAttemptBudget(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	f.socket.sendErr = errors.New("socket write failed")
	ctx := context.Background()

	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-dlq"))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageDLQ
	})

	m, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Attempts)
	assert.Contains(t, m.ErrorMessage, "socket write failed")

	events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.dlq"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRetrySendRecoversDeadLetteredMessage(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	f.socket.sendErr = errors.New("transient outage")
	ctx := context.Background()

	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-retry"))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageDLQ
	})

	f.socket.mu.Lock()
	f.socket.sendErr = nil
	f.socket.mu.Unlock()

	updated, err := f.enq.RetrySend(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageQueued, updated.Status)

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageSent
	})
}

func TestRetrySendRejectsLiveMessage(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-live"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageSent
	})

	_, err = f.enq.RetrySend(ctx, msg.ID)
	require.Error(t, err)
}

func inbound(id string) protocol.IncomingMessage {
	return protocol.IncomingMessage{
		ID:        id,
		Chat:      "5511888880000@s.whatsapp.net",
		PushName:  "Alice",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Kind:      "text",
		Text:      "hi there",
		Raw:       json.RawMessage(`{"conversation":"hi there"}`),
	}
}

func TestReceivePersistsInboundOnce(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", inbound("WAMID-1")))
	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", inbound("WAMID-1")))

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-1")
		return err == nil && m != nil
	})

	msgs, err := f.store.ListMessages(ctx, "sess-1", store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, store.MessageDelivered, msgs[0].Status)
	assert.NotNil(t, msgs[0].DeliveredAt)
	assert.True(t, f.workers.Tracker().Seen("sess-1", "WAMID-1"))
}

func TestReceiveOwnDeviceEchoIsOutbound(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	msg := inbound("WAMID-ECHO")
	msg.FromMe = true
	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", msg))

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-ECHO")
		return err == nil && m != nil
	})

	m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-ECHO")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, m.Direction)
	assert.Equal(t, store.MessageSent, m.Status)
	assert.NotNil(t, m.SentAt)
}

func TestReceiveReusesRecordForKnownProtocolID(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	seed := &store.Message{
		SessionID:         "sess-1",
		ClientKey:         "key-known",
		Direction:         store.DirectionOutbound,
		Status:            store.MessageSent,
		Type:              "text",
		Recipient:         "5511888880000@s.whatsapp.net",
		ProtocolMessageID: "WAMID-KNOWN",
	}
	_, created, err := f.store.CreateMessage(ctx, seed)
	require.NoError(t, err)
	require.True(t, created)

	echo := inbound("WAMID-KNOWN")
	echo.FromMe = true
	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", echo))

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, seed.ID)
		return err == nil && m.SentAt != nil
	})

	msgs, err := f.store.ListMessages(ctx, "sess-1", store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the existing record is updated, not duplicated")
	assert.Equal(t, store.MessageSent, msgs[0].Status)
	assert.True(t, msgs[0].SentAt.Equal(echo.Timestamp))
	assert.True(t, f.workers.Tracker().Seen("sess-1", "WAMID-KNOWN"))
}

func TestStatusBroadcastBecomesEventNotMessage(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	msg := inbound("WAMID-STORY")
	msg.Chat = protocol.StatusBroadcast
	msg.Sender = "5511888880000@s.whatsapp.net"
	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", msg))

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "status.received"})
		return err == nil && len(events) == 1
	})

	msgs, err := f.store.ListMessages(ctx, "sess-1", store.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, f.workers.Tracker().Seen("sess-1", "WAMID-STORY"))
}

func TestReceiveMaterializesMedia(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	msg := inbound("WAMID-IMG")
	msg.Kind = "image"
	msg.Text = ""
	msg.Media = &protocol.MediaRef{
		Kind:     "image",
		MimeType: "image/jpeg",
		FileName: "photo.jpg",
		Size:     6,
	}
	require.NoError(t, f.enq.MessageReceived(ctx, "sess-1", msg))

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-IMG")
		return err == nil && m != nil
	})

	m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-IMG")
	require.NoError(t, err)

	attachments, err := f.store.ListMediaByMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "image/jpeg", attachments[0].MimeType)
	assert.Equal(t, "photo.jpg", attachments[0].OriginalName)
	assert.Contains(t, attachments[0].URL, "/media/sess-1/")
}

func TestReceiveDegradesWhenMediaExhausted(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	f.socket.downloadErr = errors.New("cdn unreachable")
	ctx := context.Background()

	msg := inbound("WAMID-DEG")
	msg.Kind = "image"
	msg.Media = &protocol.MediaRef{Kind: "image", MimeType: "image/jpeg"}

	payload, err := json.Marshal(ReceiveMessageJob{
		SessionID:     "sess-1",
		Message:       msg,
		MediaAttempts: mediaAttemptBudget - 1,
	})
	require.NoError(t, err)

	err = f.workers.handleReceive(ctx, &queue.Job{ID: "test", Payload: payload})
	require.NoError(t, err)

	m, err := f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-DEG")
	require.NoError(t, err)
	assert.Equal(t, store.MessageDelivered, m.Status)

	attachments, err := f.store.ListMediaByMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, attachments)

	events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.received"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["mediaDegraded"])
}

func TestReceiveRequeuesFailedMediaFetch(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	f.socket.downloadErr = errors.New("cdn unreachable")
	ctx := context.Background()

	msg := inbound("WAMID-REQ")
	msg.Kind = "image"
	msg.Media = &protocol.MediaRef{Kind: "image", MimeType: "image/jpeg"}

	payload, err := json.Marshal(ReceiveMessageJob{SessionID: "sess-1", Message: msg})
	require.NoError(t, err)

	err = f.workers.handleReceive(ctx, &queue.Job{ID: "test", Payload: payload})
	require.NoError(t, err)

	// Nothing persisted yet; the message waits for the delayed retry.
	_, err = f.store.GetMessageByProtocolID(ctx, "sess-1", "WAMID-REQ")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, f.workers.Tracker().Seen("sess-1", "WAMID-REQ"))
}

func TestReceiptAdvancesStatusMonotonically(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	msg, _, err := f.enq.EnqueueSend(ctx, "sess-1", textRequest("key-receipt"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageSent
	})

	now := time.Now().UTC()
	require.NoError(t, f.enq.ReceiptReceived(ctx, "sess-1", protocol.Receipt{
		MessageIDs: []string{"PROTO-1"},
		Chat:       "5511999990000@s.whatsapp.net",
		Type:       protocol.ReceiptRead,
		Timestamp:  now,
	}))

	waitFor(t, 2*time.Second, func() bool {
		m, err := f.store.GetMessage(ctx, msg.ID)
		return err == nil && m.Status == store.MessageRead
	})

	// A late delivered receipt must not roll the status back.
	require.NoError(t, f.enq.ReceiptReceived(ctx, "sess-1", protocol.Receipt{
		MessageIDs: []string{"PROTO-1"},
		Chat:       "5511999990000@s.whatsapp.net",
		Type:       protocol.ReceiptDelivered,
		Timestamp:  now.Add(time.Second),
	}))

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.delivered"})
		return err == nil && len(events) == 1
	})

	m, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageRead, m.Status)
	assert.NotNil(t, m.DeliveredAt)
	assert.NotNil(t, m.ReadAt)
}

func TestReceiptForUntrackedMessageStillNotifies(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.ReceiptReceived(ctx, "sess-1", protocol.Receipt{
		MessageIDs: []string{"UNKNOWN-1"},
		Chat:       "5511888880000@s.whatsapp.net",
		Type:       protocol.ReceiptDelivered,
		Timestamp:  time.Now().UTC(),
	}))

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.delivered"})
		return err == nil && len(events) == 1
	})

	events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.delivered"})
	require.NoError(t, err)
	assert.Nil(t, events[0].Payload["messageId"])
	assert.Equal(t, "UNKNOWN-1", events[0].Payload["protocolMessageId"])
}

func TestWebhookDeliversSignedEnvelope(t *testing.T) {
	type received struct {
		body    envelope
		headers http.Header
	}
	var (
		mu   sync.Mutex
		hits []received
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		hits = append(hits, received{body: env, headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t)
	f.workers.sender.secret = "topsecret"
	f.createSession(t, server.URL)
	ctx := context.Background()

	require.NoError(t, f.enq.EnqueueWebhook(ctx, "sess-1", "session.connected", map[string]any{"jid": "551199@s.whatsapp.net"}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) == 1
	})

	mu.Lock()
	hit := hits[0]
	mu.Unlock()
	assert.Equal(t, "session.connected", hit.body.Event)
	assert.Equal(t, "sess-1", hit.body.SessionID)
	assert.NotEmpty(t, hit.body.DeliveryID)
	assert.Equal(t, "session.connected", hit.headers.Get("X-ZapHub-Event"))
	assert.Equal(t, "sess-1", hit.headers.Get("X-ZapHub-Session"))
	assert.Contains(t, hit.headers.Get("X-ZapHub-Signature"), "sha256=")

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "webhook.delivered"})
		return err == nil && len(events) == 1
	})
}

func TestWebhookAbandonedAfterRetryBudget(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(t)
	f.createSession(t, server.URL)
	ctx := context.Background()

	require.NoError(t, f.enq.EnqueueWebhook(ctx, "sess-1", "message.sent", map[string]any{"messageId": "m1"}))

	waitFor(t, 5*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "webhook.abandoned"})
		return err == nil && len(events) == 1
	})

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	failures, err := f.store.ListEvents(ctx, store.EventFilter{Type: "webhook.failed"})
	require.NoError(t, err)
	assert.Len(t, failures, 2)
}

func TestWebhookSkippedWithoutURL(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.EnqueueWebhook(ctx, "sess-1", "message.sent", map[string]any{}))
	require.NoError(t, f.enq.EnqueueWebhook(ctx, "no-such-session", "message.sent", map[string]any{}))
}

func TestSessionControlJobs(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.EnqueueSessionInit(ctx, "sess-1"))
	waitFor(t, 2*time.Second, func() bool {
		f.sessions.mu.Lock()
		defer f.sessions.mu.Unlock()
		return len(f.sessions.started) == 1
	})

	require.NoError(t, f.enq.EnqueueSessionClose(ctx, "sess-1", string(session.StopRestart)))
	waitFor(t, 2*time.Second, func() bool {
		f.sessions.mu.Lock()
		defer f.sessions.mu.Unlock()
		return len(f.sessions.restarted) == 1
	})

	require.NoError(t, f.enq.EnqueueSessionClose(ctx, "sess-1", string(session.StopShutdown)))
	waitFor(t, 2*time.Second, func() bool {
		f.sessions.mu.Lock()
		defer f.sessions.mu.Unlock()
		return len(f.sessions.stopped) == 1
	})
}

func TestPresenceAndCallEventsReachAudit(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.PresenceReceived(ctx, "sess-1", protocol.Presence{
		Chat:  "5511888880000@s.whatsapp.net",
		State: "composing",
	}))
	require.NoError(t, f.enq.CallReceived(ctx, "sess-1", protocol.Call{
		CallID:    "call-1",
		From:      "5511888880000@s.whatsapp.net",
		Status:    "offer",
		IsVideo:   true,
		Timestamp: time.Now().UTC(),
	}))

	waitFor(t, 2*time.Second, func() bool {
		presence, err := f.store.ListEvents(ctx, store.EventFilter{Type: "presence.update"})
		if err != nil || len(presence) != 1 {
			return false
		}
		calls, err := f.store.ListEvents(ctx, store.EventFilter{Type: "call.offer"})
		return err == nil && len(calls) == 1
	})
}

func TestReactionEventReachesAudit(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "")
	ctx := context.Background()

	require.NoError(t, f.enq.ReactionReceived(ctx, "sess-1", protocol.Reaction{
		MessageID: "WAMID-1",
		Chat:      "5511888880000@s.whatsapp.net",
		Sender:    "5511888880000@s.whatsapp.net",
		Emoji:     "👍",
		Timestamp: time.Now().UTC(),
	}))

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.reaction"})
		return err == nil && len(events) == 1
	})

	events, err := f.store.ListEvents(ctx, store.EventFilter{Type: "message.reaction"})
	require.NoError(t, err)
	assert.Equal(t, store.CategoryReaction, events[0].Category)
	assert.Equal(t, "👍", events[0].Payload["emoji"])
	assert.Equal(t, "WAMID-1", events[0].Payload["protocolMessageId"])
}

func TestCleanupPrunesOldEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AppendEvent(ctx, &store.Event{
		SessionID: "sess-1",
		Type:      "session.connected",
		Category:  store.CategorySession,
		CreatedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	}))
	require.NoError(t, f.store.AppendEvent(ctx, &store.Event{
		SessionID: "sess-1",
		Type:      "session.disconnected",
		Category:  store.CategorySession,
	}))

	require.NoError(t, f.enq.EnqueueCleanup(ctx))

	waitFor(t, 2*time.Second, func() bool {
		events, err := f.store.ListEvents(ctx, store.EventFilter{SessionID: "sess-1"})
		return err == nil && len(events) == 1
	})
}
