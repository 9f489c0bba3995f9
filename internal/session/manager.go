// ABOUTME: Connection manager driving the session lifecycle state machine
// ABOUTME: Dials sockets, reacts to socket events, and schedules reconnects with backoff

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/dedupe"
	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/store"
)

// aliasCacheTTL bounds how long a learned alias-to-canonical mapping is
// trusted before the network must confirm it again.
const aliasCacheTTL = 5 * time.Minute

// StopReason describes why a session is being stopped. A shutdown stop
// preserves credentials; a restart stop is followed by a credential wipe
// before the session starts again.
type StopReason string

const (
	StopShutdown StopReason = "shutdown"
	StopRestart  StopReason = "restart"
)

// Dispatcher receives inbound traffic and lifecycle notifications from
// live sessions. Implementations enqueue the work on durable queues.
type Dispatcher interface {
	MessageReceived(ctx context.Context, sessionID string, msg protocol.IncomingMessage) error
	ReceiptReceived(ctx context.Context, sessionID string, receipt protocol.Receipt) error
	ReactionReceived(ctx context.Context, sessionID string, reaction protocol.Reaction) error
	PresenceReceived(ctx context.Context, sessionID string, presence protocol.Presence) error
	CallReceived(ctx context.Context, sessionID string, call protocol.Call) error
	GroupUpdated(ctx context.Context, sessionID string, update protocol.GroupUpdate) error
	SessionEvent(ctx context.Context, sessionID, eventType string, payload map[string]any) error
}

// Manager owns the live sessions: it starts and stops sockets, applies
// the lifecycle state machine, and forwards socket traffic to the
// dispatcher.
type Manager struct {
	store      store.Store
	dialer     protocol.Dialer
	creds      *CredentialStore
	registry   *Registry
	dispatcher Dispatcher
	cfg        config.SessionConfig
	aliases    *dedupe.TTLCache
	logger     *slog.Logger
}

// NewManager creates a connection manager.
func NewManager(st store.Store, dialer protocol.Dialer, creds *CredentialStore, dispatcher Dispatcher, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:      st,
		dialer:     dialer,
		creds:      creds,
		registry:   NewRegistry(cfg.MaxConcurrent),
		dispatcher: dispatcher,
		cfg:        cfg,
		aliases:    dedupe.NewTTLCache(aliasCacheTTL),
		logger:     slog.Default().With("component", "session"),
	}
}

// Registry exposes the live session registry for observability surfaces.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Socket returns the live socket for a session.
func (m *Manager) Socket(sessionID string) (protocol.Socket, error) {
	e, ok := m.registry.get(sessionID)
	if !ok {
		return nil, ErrNotRunning
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.socket == nil {
		return nil, ErrNotRunning
	}
	return e.socket, nil
}

// StartSession brings a stored session online. Starting an already-live
// session is a no-op. Returns ErrSessionLimit when the cap is reached.
func (m *Manager) StartSession(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	e, created, err := m.registry.acquire(sessionID)
	if err != nil {
		return err
	}
	if !created {
		m.logger.Debug("session already running", "session_id", sessionID)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.updateSession(ctx, sessionID, store.SessionUpdate{
		Status:       ptr(store.SessionInitializing),
		ErrorMessage: ptr(""),
	})
	m.dispatch(ctx, sessionID, "session.initializing", nil)

	if err := m.dialLocked(ctx, e); err != nil {
		m.registry.release(sessionID)
		m.updateSession(ctx, sessionID, store.SessionUpdate{
			Status:       ptr(store.SessionFailed),
			ErrorMessage: ptr(err.Error()),
		})
		m.dispatch(ctx, sessionID, "session.failed", map[string]any{"reason": err.Error()})
		return fmt.Errorf("dialing session %s: %w", sessionID, err)
	}

	m.logger.Info("session started", "session_id", sessionID)
	return nil
}

// StopSession takes a session offline, preserving its credentials.
// Stopping a session that is not running is a no-op.
func (m *Manager) StopSession(ctx context.Context, sessionID string, reason StopReason) error {
	e, ok := m.registry.get(sessionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.stopping = true
	e.stopTimersLocked()
	if e.cancel != nil {
		e.cancel()
	}
	if e.socket != nil {
		_ = e.socket.Close()
		e.socket = nil
	}
	done := e.done
	e.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("event loop did not exit in time", "session_id", sessionID)
		}
	}

	m.registry.release(sessionID)

	if reason != StopRestart {
		now := time.Now().UTC()
		m.updateSession(ctx, sessionID, store.SessionUpdate{
			Status:         ptr(store.SessionDisconnected),
			DisconnectedAt: &now,
			QRCode:         ptr(""),
		})
		m.dispatch(ctx, sessionID, "session.disconnected", map[string]any{"reason": string(reason)})
	}

	m.logger.Info("session stopped", "session_id", sessionID, "reason", reason)
	return nil
}

// RestartSession stops a session, wipes its credential material, and
// starts it again, forcing a fresh QR pairing cycle.
func (m *Manager) RestartSession(ctx context.Context, sessionID string) error {
	if err := m.StopSession(ctx, sessionID, StopRestart); err != nil {
		return err
	}
	if err := m.creds.Wipe(sessionID); err != nil {
		m.logger.Warn("wiping credentials failed", "session_id", sessionID, "error", err)
	}
	return m.StartSession(ctx, sessionID)
}

// DeleteSession stops a session, wipes its credentials, and removes the
// stored record. Messages and media records cascade.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.StopSession(ctx, sessionID, StopShutdown); err != nil {
		return err
	}
	if err := m.creds.Wipe(sessionID); err != nil {
		m.logger.Warn("wiping credentials failed", "session_id", sessionID, "error", err)
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.dispatch(ctx, sessionID, "session.deleted", nil)
	m.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// Logout invalidates the session's pairing on the server, then runs the
// logged-out path: credentials wiped, status terminal until re-paired.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	socket, err := m.Socket(sessionID)
	if err != nil {
		return err
	}
	if err := socket.Logout(ctx); err != nil {
		return fmt.Errorf("logging out session %s: %w", sessionID, err)
	}
	return nil
}

// Shutdown stops every live session concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	ids := m.registry.IDs()
	done := make(chan struct{}, len(ids))
	for _, id := range ids {
		go func(id string) {
			_ = m.StopSession(ctx, id, StopShutdown)
			done <- struct{}{}
		}(id)
	}
	for range ids {
		<-done
	}
	m.logger.Info("all sessions stopped", "count", len(ids))
}

// dialLocked establishes the socket and launches the event loop.
// Caller holds e.mu.
func (m *Manager) dialLocked(ctx context.Context, e *entry) error {
	dir, err := m.creds.Dir(e.sessionID)
	if err != nil {
		return err
	}

	socket, err := m.dialer.Dial(ctx, e.sessionID, dir)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.socket = socket
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stopping = false

	go func() {
		defer cancel()
		m.eventLoop(loopCtx, e, socket)
	}()
	return nil
}

// eventLoop drains the socket's event stream until it closes or the
// session stops.
func (m *Manager) eventLoop(ctx context.Context, e *entry, socket protocol.Socket) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-socket.Events():
			if !ok {
				m.handleDisconnect(e, protocol.Disconnected{Code: protocol.CodeConnectionClosed})
				return
			}
			switch ev := ev.(type) {
			case protocol.QRCode:
				m.handleQR(ctx, e, ev)
			case protocol.Connected:
				m.handleConnected(ctx, e, socket, ev)
			case protocol.Disconnected:
				m.handleDisconnect(e, ev)
				return
			case protocol.IncomingMessage:
				m.handleMessage(ctx, e, ev)
			case protocol.Receipt:
				forward(m, ctx, e.sessionID, "receipt", m.dispatcher.ReceiptReceived, ev)
			case protocol.Reaction:
				forward(m, ctx, e.sessionID, "reaction", m.dispatcher.ReactionReceived, ev)
			case protocol.Presence:
				forward(m, ctx, e.sessionID, "presence", m.dispatcher.PresenceReceived, ev)
			case protocol.Call:
				forward(m, ctx, e.sessionID, "call", m.dispatcher.CallReceived, ev)
			case protocol.GroupUpdate:
				forward(m, ctx, e.sessionID, "group update", m.dispatcher.GroupUpdated, ev)
			}
		}
	}
}

func (m *Manager) handleQR(ctx context.Context, e *entry, ev protocol.QRCode) {
	issuedAt := time.Now().UTC()
	m.updateSession(ctx, e.sessionID, store.SessionUpdate{
		Status:   ptr(store.SessionQRPending),
		QRCode:   &ev.Code,
		LastQRAt: &issuedAt,
	})
	m.dispatch(ctx, e.sessionID, "session.qr_pending", map[string]any{"qr": ev.Code})

	e.mu.Lock()
	if e.qrTimer != nil {
		e.qrTimer.Stop()
	}
	e.qrTimer = time.AfterFunc(m.cfg.QRTTL, func() {
		m.expireQR(e.sessionID, issuedAt)
	})
	e.mu.Unlock()
}

// expireQR clears stored pairing material once its lifetime passes,
// unless a newer code replaced it.
func (m *Manager) expireQR(sessionID string, issuedAt time.Time) {
	ctx := context.Background()
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status != store.SessionQRPending || sess.QRCode == "" {
		return
	}
	if sess.LastQRAt != nil && sess.LastQRAt.After(issuedAt) {
		return
	}
	m.updateSession(ctx, sessionID, store.SessionUpdate{QRCode: ptr("")})
	m.logger.Debug("pairing code expired", "session_id", sessionID)
}

func (m *Manager) handleConnected(ctx context.Context, e *entry, socket protocol.Socket, ev protocol.Connected) {
	e.mu.Lock()
	e.stopTimersLocked()
	e.identities = protocol.NewIdentitySet(socket.OwnIdentities()...)
	e.identities.Add(ev.JID)
	e.identities.Add(ev.AltJID)
	e.mu.Unlock()

	now := time.Now().UTC()
	m.updateSession(ctx, e.sessionID, store.SessionUpdate{
		Status:       ptr(store.SessionConnected),
		ConnectedAt:  &now,
		LastSeen:     &now,
		QRCode:       ptr(""),
		ErrorMessage: ptr(""),
		RetryCount:   ptr(0),
	})
	m.dispatch(ctx, e.sessionID, "session.connected", map[string]any{"jid": ev.JID})
	m.logger.Info("session connected", "session_id", e.sessionID, "jid", ev.JID)
}

func (m *Manager) handleDisconnect(e *entry, ev protocol.Disconnected) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	if e.socket != nil {
		_ = e.socket.Close()
		e.socket = nil
	}
	e.mu.Unlock()

	// The loop context may already be cancelled; bookkeeping must outlive it.
	ctx := context.Background()

	label := ev.Code.Label()
	if ev.Err != nil {
		label = fmt.Sprintf("%s: %v", label, ev.Err)
	}
	m.logger.Warn("session disconnected",
		"session_id", e.sessionID, "code", int(ev.Code), "reason", label)
	m.dispatch(ctx, e.sessionID, "session.disconnected", map[string]any{
		"code":   int(ev.Code),
		"reason": label,
	})

	switch ev.Code {
	case protocol.CodeLoggedOut:
		m.registry.release(e.sessionID)
		if err := m.creds.Wipe(e.sessionID); err != nil {
			m.logger.Warn("wiping credentials failed", "session_id", e.sessionID, "error", err)
		}
		now := time.Now().UTC()
		m.updateSession(ctx, e.sessionID, store.SessionUpdate{
			Status:         ptr(store.SessionLoggedOut),
			DisconnectedAt: &now,
			QRCode:         ptr(""),
			RetryCount:     ptr(0),
			ErrorMessage:   &label,
		})
		m.dispatch(ctx, e.sessionID, "session.logged_out", nil)

	case protocol.CodeRestartRequired:
		// Pairing completes with a restart-required close. Redial at
		// once without spending a retry.
		go m.redial(e.sessionID)

	default:
		m.scheduleReconnect(ctx, e, label)
	}
}

// scheduleReconnect applies the exponential backoff policy: the nth retry
// waits base * 2^(n-1), and the budget is MaxRetries before the session
// is marked failed.
func (m *Manager) scheduleReconnect(ctx context.Context, e *entry, label string) {
	sess, err := m.store.GetSession(ctx, e.sessionID)
	if err != nil {
		m.logger.Error("reading session for reconnect", "session_id", e.sessionID, "error", err)
		m.registry.release(e.sessionID)
		return
	}

	now := time.Now().UTC()
	if sess.RetryCount >= m.cfg.MaxRetries {
		m.registry.release(e.sessionID)
		m.updateSession(ctx, e.sessionID, store.SessionUpdate{
			Status:         ptr(store.SessionFailed),
			DisconnectedAt: &now,
			ErrorMessage:   &label,
		})
		m.dispatch(ctx, e.sessionID, "session.failed", map[string]any{
			"reason":  label,
			"retries": sess.RetryCount,
		})
		m.logger.Error("session failed after retries",
			"session_id", e.sessionID, "retries", sess.RetryCount)
		return
	}

	delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<sess.RetryCount)
	attempt := sess.RetryCount + 1
	m.updateSession(ctx, e.sessionID, store.SessionUpdate{
		Status:         ptr(store.SessionReconnecting),
		DisconnectedAt: &now,
		RetryCount:     &attempt,
		ErrorMessage:   &label,
	})
	m.dispatch(ctx, e.sessionID, "session.reconnecting", map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
		"reason":  label,
	})
	m.logger.Info("scheduling reconnect",
		"session_id", e.sessionID, "attempt", attempt, "delay", delay)

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.reconnectTimer = time.AfterFunc(delay, func() {
		m.redial(e.sessionID)
	})
	e.mu.Unlock()
}

// redial re-establishes the socket for a still-registered session.
func (m *Manager) redial(sessionID string) {
	e, ok := m.registry.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	err := m.dialLocked(context.Background(), e)
	e.mu.Unlock()

	if err != nil {
		m.logger.Warn("redial failed", "session_id", sessionID, "error", err)
		m.scheduleReconnect(context.Background(), e, fmt.Sprintf("dial failed: %v", err))
	}
}

// handleMessage resolves alias addresses, classifies own-account traffic,
// and forwards to the receive pipeline.
func (m *Manager) handleMessage(ctx context.Context, e *entry, ev protocol.IncomingMessage) {
	if protocol.IsAlias(ev.Chat) && ev.ChatAlt != "" {
		m.aliases.Put(ev.Chat, ev.ChatAlt)
	}
	if protocol.IsAlias(ev.Sender) && ev.SenderAlt != "" {
		m.aliases.Put(ev.Sender, ev.SenderAlt)
	}

	ev.Chat = m.resolveAlias(ev.Chat, ev.ChatAlt)
	ev.Sender = m.resolveAlias(ev.Sender, ev.SenderAlt)

	e.mu.Lock()
	identities := e.identities
	e.mu.Unlock()

	if !ev.FromMe && identities != nil {
		sender := ev.Sender
		if sender == "" {
			sender = ev.Chat
		}
		if identities.Contains(sender) {
			ev.FromMe = true
		}
	}

	if err := m.dispatcher.MessageReceived(ctx, e.sessionID, ev); err != nil {
		m.logger.Error("dispatching message failed",
			"session_id", e.sessionID, "message_id", ev.ID, "error", err)
	}
}

// resolveAlias prefers the canonical address, falling back to mappings
// learned from earlier traffic when the event carries none.
func (m *Manager) resolveAlias(jid, fallback string) string {
	resolved := protocol.ResolveAlias(jid, fallback)
	if !protocol.IsAlias(resolved) {
		return resolved
	}
	if cached, ok := m.aliases.Get(resolved); ok {
		if canonical, ok := cached.(string); ok {
			return canonical
		}
	}
	return resolved
}

// forward pushes a protocol event to the dispatcher, logging failures.
func forward[T any](m *Manager, ctx context.Context, sessionID, kind string, fn func(context.Context, string, T) error, ev T) {
	if err := fn(ctx, sessionID, ev); err != nil {
		m.logger.Error("dispatching "+kind+" failed", "session_id", sessionID, "error", err)
	}
}

// updateSession applies a store update, logging failures instead of
// propagating them; lifecycle handling must not stall on storage errors.
func (m *Manager) updateSession(ctx context.Context, sessionID string, update store.SessionUpdate) {
	if _, err := m.store.UpdateSession(ctx, sessionID, update); err != nil {
		m.logger.Error("updating session failed", "session_id", sessionID, "error", err)
	}
}

// dispatch emits a session lifecycle event, logging failures.
func (m *Manager) dispatch(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.SessionEvent(ctx, sessionID, eventType, payload); err != nil {
		m.logger.Error("dispatching session event failed",
			"session_id", sessionID, "event", eventType, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
