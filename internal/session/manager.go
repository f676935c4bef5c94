// ABOUTME: Manages the table of live protocol sessions and their lifecycle.
// ABOUTME: Owns create/remove/reconnect, credential mirroring, and status repair.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zapfy/zap-gateway/internal/dedupe"
	"github.com/zapfy/zap-gateway/internal/protocol"
	"github.com/zapfy/zap-gateway/internal/store"
)

// ErrSessionNotFound indicates no live handle exists for the session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotConnected indicates the session exists but has no open connection.
var ErrNotConnected = errors.New("session not connected")

// Notifier receives every durable event for fan-out to sinks. Implementations
// must not block the caller; delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, sessionID, event string, data map[string]any)
}

// Options holds the lifecycle tuning knobs for a Manager.
type Options struct {
	MaxReconnectAttempts int
	MaxQRRetries         int
	ReconnectBaseDelay   time.Duration
	SyncBatchPause       time.Duration
	CleanupMaxDisconnect time.Duration
}

// Handle is the in-memory state of one live session. All fields after conn
// are guarded by the owning Manager's mutex.
type Handle struct {
	ID   string
	conn protocol.Conn

	phoneNumber       string
	status            string
	qrCode            string
	reconnectAttempts int
	qrRetries         int
	lastConnected     time.Time
	config            *store.SessionConfig
}

// HandleInfo is a point-in-time snapshot of a handle, safe to use without
// holding any lock.
type HandleInfo struct {
	ID                string
	Status            string
	PhoneNumber       string
	QRCode            string
	ReconnectAttempts int
	LastConnected     time.Time
}

// Stats aggregates handle counts by in-memory status.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	QRReady      int `json:"qr_ready"`
	Disconnected int `json:"disconnected"`
}

// Manager is the single authority over the sessionId -> live connection
// mapping. The sessions map and handle fields are guarded by mu; whole
// lifecycle operations (create, remove, reconnect) additionally serialize on
// lifecycleMu so two concurrent creates for the same id cannot interleave
// between reading the table and replacing a handle.
type Manager struct {
	store    store.Store
	factory  protocol.Factory
	notifier Notifier
	dedupe   *dedupe.Set
	opts     Options
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	mu          sync.Mutex
	sessions    map[string]*Handle
	reconnects  map[string]*time.Timer
}

// NewManager creates a Manager. notifier may be nil (events are then only
// persisted, not fanned out).
func NewManager(st store.Store, factory protocol.Factory, notifier Notifier, caches *dedupe.Set, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      st,
		factory:    factory,
		notifier:   notifier,
		dedupe:     caches,
		opts:       opts,
		logger:     logger.With("component", "session"),
		sessions:   make(map[string]*Handle),
		reconnects: make(map[string]*time.Timer),
	}
}

// CreateSession opens a connection for the session id, replacing any existing
// handle first so at most one live connection exists per id. Persisted
// credentials are loaded read-through; absence means a fresh pairing flow.
func (m *Manager) CreateSession(ctx context.Context, id, phoneNumber string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.createLocked(ctx, id, phoneNumber, 0)
}

// createLocked performs the create flow. Caller must hold lifecycleMu.
// attempts carries the reconnect counter across automatic recreates.
func (m *Manager) createLocked(ctx context.Context, id, phoneNumber string, attempts int) error {
	m.detach(id)

	creds, err := m.store.GetCredentials(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading credentials: %w", err)
	}

	conn, err := m.factory.Open(ctx, id, creds, phoneNumber)
	if err != nil {
		return fmt.Errorf("opening connection: %w", err)
	}

	h := &Handle{
		ID:                id,
		conn:              conn,
		phoneNumber:       phoneNumber,
		status:            store.StatusConnecting,
		reconnectAttempts: attempts,
	}

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	go m.pump(h)

	if err := conn.Connect(ctx); err != nil {
		// No orphaned half-initialized sessions: undo the registration.
		m.detach(id)
		return fmt.Errorf("connecting: %w", err)
	}

	if err := m.store.UpdateSessionStatus(ctx, id, store.StatusConnecting); err != nil {
		m.logger.Error("updating session status", "session_id", id, "error", err)
	}

	m.logger.Info("session created", "session_id", id, "attempt", attempts)
	return nil
}

// RemoveSession closes the live connection if present, removes the handle,
// and marks the durable status disconnected. With purgeCredentials the
// credential blob and dedup state are deleted as well; that path is
// irreversible and used only on explicit delete or terminal reconnect
// failure.
func (m *Manager) RemoveSession(ctx context.Context, id string, purgeCredentials bool) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.removeLocked(ctx, id, purgeCredentials)
}

func (m *Manager) removeLocked(ctx context.Context, id string, purgeCredentials bool) error {
	m.detach(id)
	m.finishRemove(ctx, id, purgeCredentials)
	return nil
}

// finishRemove applies the durable effects of a removal after the in-memory
// handle is gone.
func (m *Manager) finishRemove(ctx context.Context, id string, purgeCredentials bool) {
	if err := m.store.UpdateSessionStatus(ctx, id, store.StatusDisconnected); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("updating session status", "session_id", id, "error", err)
	}

	if purgeCredentials {
		if err := m.store.DeleteCredentials(ctx, id); err != nil {
			m.logger.Error("deleting credentials", "session_id", id, "error", err)
		}
		if m.dedupe != nil {
			m.dedupe.Forget(id)
		}
		m.logger.Info("session purged", "session_id", id)
	}
}

// removeHandle tears h down with the same durable effects as RemoveSession,
// but only if h is still the registered handle for its id. A stale handle is
// left alone so a late event handler can never purge a recreated session.
// Reports whether anything was removed.
func (m *Manager) removeHandle(ctx context.Context, h *Handle, purgeCredentials bool) bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.detachIf(h) {
		return false
	}
	m.finishRemove(ctx, h.ID, purgeCredentials)
	return true
}

// detach removes the in-memory handle and cancels any pending reconnect
// timer. Closing the connection closes its event channel, which ends the
// pump goroutine, so no handler can fire for a detached session.
func (m *Manager) detach(id string) {
	m.mu.Lock()
	h := m.sessions[id]
	delete(m.sessions, id)
	if t := m.reconnects[id]; t != nil {
		t.Stop()
		delete(m.reconnects, id)
	}
	m.mu.Unlock()

	if h != nil {
		if err := h.conn.Close(); err != nil {
			m.logger.Debug("closing connection", "session_id", id, "error", err)
		}
	}
}

// detachIf detaches only when h is still the registered handle, so a stale
// handler racing a recreate cannot close the replacement connection. Reports
// whether it detached.
func (m *Manager) detachIf(h *Handle) bool {
	m.mu.Lock()
	if m.sessions[h.ID] != h {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, h.ID)
	if t := m.reconnects[h.ID]; t != nil {
		t.Stop()
		delete(m.reconnects, h.ID)
	}
	m.mu.Unlock()

	if err := h.conn.Close(); err != nil {
		m.logger.Debug("closing connection", "session_id", h.ID, "error", err)
	}
	return true
}

// GetSession returns a snapshot of the live handle, if any. Non-blocking.
func (m *Manager) GetSession(id string) (HandleInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	if !ok {
		return HandleInfo{}, false
	}
	return snapshot(h), true
}

// IsConnected combines durable status with live socket readiness. A durable
// "connected" row with no in-memory handle is untrusted (the process may
// have restarted): the row is repaired to disconnected and false returned.
func (m *Manager) IsConnected(ctx context.Context, id string) bool {
	m.mu.Lock()
	h, ok := m.sessions[id]
	m.mu.Unlock()

	if ok {
		return h.conn.Connected()
	}

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return false
	}
	if sess.Status == store.StatusConnected {
		m.logger.Warn("repairing stale connected status", "session_id", id)
		if err := m.store.UpdateSessionStatus(ctx, id, store.StatusDisconnected); err != nil {
			m.logger.Error("repairing session status", "session_id", id, "error", err)
		}
	}
	return false
}

// Send delivers one outbound message on the session's live connection.
func (m *Manager) Send(ctx context.Context, id string, msg *protocol.OutboundMessage) error {
	m.mu.Lock()
	h, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if !h.conn.Connected() {
		return ErrNotConnected
	}
	return h.conn.Send(ctx, msg)
}

// Logout asks the remote end to invalidate the session's credentials.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return h.conn.Logout(ctx)
}

// UpdateConfig persists the session's delivery config and refreshes the
// in-memory copy so the event pipeline sees the change immediately.
func (m *Manager) UpdateConfig(ctx context.Context, id string, cfg *store.SessionConfig) error {
	if err := m.store.SaveConfig(ctx, id, cfg); err != nil {
		return err
	}

	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		cp := *cfg
		h.config = &cp
	}
	m.mu.Unlock()
	return nil
}

// RestoreSessions re-creates sessions whose durable status indicates they
// were live before a restart. Failures are logged per session; one broken
// session never blocks the rest.
func (m *Manager) RestoreSessions(ctx context.Context) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		m.logger.Error("listing sessions for restore", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.Status != store.StatusConnected && sess.Status != store.StatusConnecting {
			continue
		}
		m.logger.Info("restoring session", "session_id", sess.ID)
		if err := m.CreateSession(ctx, sess.ID, sess.PhoneNumber); err != nil {
			m.logger.Error("restoring session", "session_id", sess.ID, "error", err)
		}
	}
}

// ActiveSessions returns the ids of all live handles.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns handle counts by status.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Total: len(m.sessions)}
	for _, h := range m.sessions {
		switch h.status {
		case store.StatusConnected:
			st.Connected++
		case store.StatusConnecting:
			st.Connecting++
		case store.StatusQRReady:
			st.QRReady++
		case store.StatusDisconnected:
			st.Disconnected++
		}
	}
	return st
}

// StartCleanup runs a background loop tearing down handles that have been
// disconnected longer than the configured threshold. Returns when ctx ends.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupStale(ctx)
		}
	}
}

func (m *Manager) cleanupStale(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	for id, h := range m.sessions {
		if h.status != store.StatusDisconnected || h.lastConnected.IsZero() {
			continue
		}
		if time.Since(h.lastConnected) >= m.opts.CleanupMaxDisconnect {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("cleaning up stale session", "session_id", id)
		if err := m.RemoveSession(ctx, id, false); err != nil {
			m.logger.Error("cleaning up session", "session_id", id, "error", err)
		}
	}
}

// Shutdown closes every live handle without purging credentials.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.ActiveSessions() {
		if err := m.RemoveSession(ctx, id, false); err != nil {
			m.logger.Error("shutting down session", "session_id", id, "error", err)
		}
	}
}

// scheduleReconnect arms the single outstanding reconnect timer for the
// session. An existing timer is replaced, never left running.
func (m *Manager) scheduleReconnect(id, phoneNumber string, attempts int) {
	delay := m.opts.ReconnectBaseDelay * time.Duration(attempts)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.lifecycleMu.Lock()
		defer m.lifecycleMu.Unlock()

		m.mu.Lock()
		registered := m.reconnects[id] == t
		if registered {
			delete(m.reconnects, id)
		}
		_, exists := m.sessions[id]
		m.mu.Unlock()
		// An unregistered timer was cancelled while we waited on the
		// lock; a live handle means someone recreated the session first.
		if !registered || exists {
			return
		}

		if err := m.createLocked(context.Background(), id, phoneNumber, attempts); err != nil {
			m.logger.Error("automatic reconnect failed", "session_id", id, "attempt", attempts, "error", err)
		}
	})

	m.mu.Lock()
	if old := m.reconnects[id]; old != nil {
		old.Stop()
	}
	m.reconnects[id] = t
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "session_id", id, "attempt", attempts, "delay", delay)
}

// current reports whether h is still the registered handle for its id.
// Handlers use this as a defensive check so a late event from a replaced
// connection cannot resurrect removed state.
func (m *Manager) current(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[h.ID] == h
}

func snapshot(h *Handle) HandleInfo {
	return HandleInfo{
		ID:                h.ID,
		Status:            h.status,
		PhoneNumber:       h.phoneNumber,
		QRCode:            h.qrCode,
		ReconnectAttempts: h.reconnectAttempts,
		LastConnected:     h.lastConnected,
	}
}
