// ABOUTME: Event pump and handlers for live protocol connections.
// ABOUTME: Persists entities through the dedup caches, then fans events out.

package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zapfy/zap-gateway/internal/dedupe"
	"github.com/zapfy/zap-gateway/internal/protocol"
	"github.com/zapfy/zap-gateway/internal/store"
)

// Event names emitted to the notifier. Sinks filter on these.
const (
	EventQRUpdated           = "qr_updated"
	EventSessionConnected    = "session_connected"
	EventSessionDisconnected = "session_disconnected"
	EventMessageReceived     = "message_received"
	EventMessageUpdate       = "message_update"
	EventPresenceUpdate      = "presence_update"
	EventContactsUpdate      = "contacts_update"
	EventChatsUpdate         = "chats_update"
	EventGroupsUpdate        = "groups_update"
	EventCallReceived        = "call_received"
)

// History replay is written in small batches with a pause in between so a
// full sync for one session cannot monopolize the store.
const (
	chatBatchSize    = 25
	messageBatchSize = 25
	contactBatchSize = 100
)

// pump drains the connection's event stream until the driver closes it.
// One goroutine per connection: events for a session are handled strictly in
// arrival order, and a torn-down connection ends the loop by channel close.
func (m *Manager) pump(h *Handle) {
	ctx := context.Background()
	for ev := range h.conn.Events() {
		m.handleEvent(ctx, h, ev)
	}
	m.logger.Debug("event pump stopped", "session_id", h.ID)
}

func (m *Manager) handleEvent(ctx context.Context, h *Handle, ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.ConnectionUpdate:
		m.handleConnectionUpdate(ctx, h, e)
	case *protocol.CredentialsUpdate:
		m.handleCredentialsUpdate(ctx, h, e)
	case *protocol.MessagesUpsert:
		m.handleMessagesUpsert(ctx, h, e)
	case *protocol.MessageUpdate:
		m.notify(ctx, h, EventMessageUpdate, map[string]any{
			"remote_jid": e.RemoteJID,
			"message_id": e.MessageID,
			"status":     e.Status,
		})
	case *protocol.Presence:
		m.notify(ctx, h, EventPresenceUpdate, map[string]any{
			"remote_jid": e.RemoteJID,
			"presences":  e.Presences,
		})
	case *protocol.HistorySync:
		m.handleHistorySync(ctx, h, e)
	case *protocol.ContactsUpsert:
		m.persistContacts(ctx, h.ID, e.Contacts)
		m.notify(ctx, h, EventContactsUpdate, map[string]any{"count": len(e.Contacts)})
	case *protocol.ChatsUpsert:
		m.persistChats(ctx, h.ID, e.Chats)
		m.notify(ctx, h, EventChatsUpdate, map[string]any{"count": len(e.Chats)})
	case *protocol.GroupsUpdate:
		m.persistGroups(ctx, h.ID, e.Groups)
		m.notify(ctx, h, EventGroupsUpdate, map[string]any{"count": len(e.Groups)})
	case *protocol.Call:
		m.handleCall(ctx, h, e)
	}
}

// handleConnectionUpdate drives the session state machine. Durable status is
// written before any event fans out, so sinks never observe a state the
// store does not hold.
func (m *Manager) handleConnectionUpdate(ctx context.Context, h *Handle, e *protocol.ConnectionUpdate) {
	if e.QR != "" {
		m.handleQR(ctx, h, e.QR)
		return
	}

	switch e.State {
	case protocol.StateConnecting:
		m.setStatus(h, store.StatusConnecting)
		if err := m.store.UpdateSessionStatus(ctx, h.ID, store.StatusConnecting); err != nil {
			m.logger.Error("updating session status", "session_id", h.ID, "error", err)
		}

	case protocol.StateOpen:
		m.handleOpen(ctx, h)

	case protocol.StateClose:
		m.handleClose(ctx, h, e)
	}
}

func (m *Manager) handleQR(ctx context.Context, h *Handle, qr string) {
	m.mu.Lock()
	h.qrRetries++
	retries := h.qrRetries
	h.qrCode = qr
	h.status = store.StatusQRReady
	m.mu.Unlock()

	if retries > m.opts.MaxQRRetries {
		if !m.removeHandle(ctx, h, false) {
			return
		}
		m.logger.Warn("qr retry limit reached, abandoning session",
			"session_id", h.ID, "retries", retries)
		m.notify(ctx, h, EventSessionDisconnected, map[string]any{
			"reason": "qr retry limit reached",
		})
		return
	}

	if err := m.store.UpdateSessionQR(ctx, h.ID, qr); err != nil {
		m.logger.Error("persisting qr code", "session_id", h.ID, "error", err)
	}

	m.logger.Info("qr code updated", "session_id", h.ID, "attempt", retries)
	m.notify(ctx, h, EventQRUpdated, map[string]any{"qr": qr, "attempt": retries})
}

func (m *Manager) handleOpen(ctx context.Context, h *Handle) {
	cfg, err := m.store.GetConfig(ctx, h.ID)
	if err != nil {
		m.logger.Error("loading session config", "session_id", h.ID, "error", err)
		cfg = &store.SessionConfig{}
	}

	m.mu.Lock()
	h.status = store.StatusConnected
	h.reconnectAttempts = 0
	h.qrRetries = 0
	h.qrCode = ""
	h.lastConnected = time.Now()
	h.config = cfg
	phone := h.phoneNumber
	m.mu.Unlock()

	if err := m.store.UpdateSessionStatus(ctx, h.ID, store.StatusConnected); err != nil {
		m.logger.Error("updating session status", "session_id", h.ID, "error", err)
	}
	if err := m.store.UpdateSessionQR(ctx, h.ID, ""); err != nil {
		m.logger.Error("clearing qr code", "session_id", h.ID, "error", err)
	}
	if phone != "" {
		if err := m.store.UpdateSessionPhone(ctx, h.ID, phone); err != nil {
			m.logger.Error("updating session phone", "session_id", h.ID, "error", err)
		}
	}

	m.logger.Info("session connected", "session_id", h.ID)
	m.notify(ctx, h, EventSessionConnected, map[string]any{"phone_number": phone})
}

// handleClose classifies the disconnect. A logged-out close is terminal:
// credentials are purged and no reconnect is attempted. Anything else is a
// transient loss handled by linearly backed-off recreates up to the cap;
// once the cap is exceeded the session is purged as unrecoverable.
func (m *Manager) handleClose(ctx context.Context, h *Handle, e *protocol.ConnectionUpdate) {
	if !m.current(h) {
		return
	}

	m.setStatus(h, store.StatusDisconnected)
	if err := m.store.UpdateSessionStatus(ctx, h.ID, store.StatusDisconnected); err != nil {
		m.logger.Error("updating session status", "session_id", h.ID, "error", err)
	}

	if e.Terminal() {
		if !m.removeHandle(ctx, h, true) {
			return
		}
		m.logger.Info("session logged out", "session_id", h.ID, "reason", e.Reason)
		m.notify(ctx, h, EventSessionDisconnected, map[string]any{
			"reason":   "logged out",
			"terminal": true,
		})
		return
	}

	m.mu.Lock()
	h.reconnectAttempts++
	attempts := h.reconnectAttempts
	phone := h.phoneNumber
	m.mu.Unlock()

	if attempts > m.opts.MaxReconnectAttempts {
		if !m.removeHandle(ctx, h, true) {
			return
		}
		m.logger.Warn("reconnect limit reached, purging session",
			"session_id", h.ID, "attempts", attempts)
		m.notify(ctx, h, EventSessionDisconnected, map[string]any{
			"reason":   "reconnect limit reached",
			"terminal": true,
		})
		return
	}

	// Drop the dead handle and arm the timer in one lifecycle section. A
	// concurrent recreate wins: this stale close then owns nothing and must
	// not touch the replacement.
	m.lifecycleMu.Lock()
	owned := m.detachIf(h)
	if owned {
		m.scheduleReconnect(h.ID, phone, attempts)
	}
	m.lifecycleMu.Unlock()
	if !owned {
		return
	}

	m.logger.Info("connection lost", "session_id", h.ID,
		"status_code", e.StatusCode, "reason", e.Reason, "attempt", attempts)
	m.notify(ctx, h, EventSessionDisconnected, map[string]any{
		"reason":   e.Reason,
		"terminal": false,
		"attempt":  attempts,
	})
}

// handleCredentialsUpdate mirrors rotated auth material to durable storage.
// Every rotation is written through; a missed write risks an unrecoverable
// identity after restart, so failures are logged loudly.
func (m *Manager) handleCredentialsUpdate(ctx context.Context, h *Handle, e *protocol.CredentialsUpdate) {
	if err := m.store.SaveCredentials(ctx, h.ID, e.Blob); err != nil {
		m.logger.Error("persisting credentials", "session_id", h.ID, "error", err)
	}
}

func (m *Manager) handleMessagesUpsert(ctx context.Context, h *Handle, e *protocol.MessagesUpsert) {
	cfg := m.handleConfig(h)

	for _, msg := range e.Messages {
		if !m.dedupe.Seen(dedupe.ClassMessage, h.ID, msg.ID) {
			if err := m.store.UpsertMessage(ctx, toStoreMessage(h.ID, msg)); err != nil {
				m.logger.Error("persisting message", "session_id", h.ID, "message_id", msg.ID, "error", err)
			}
		}

		if cfg.AutoRead && !msg.FromMe {
			if err := h.conn.SendReadReceipt(ctx, msg.RemoteJID, msg.ID); err != nil {
				m.logger.Debug("sending read receipt", "session_id", h.ID, "error", err)
			}
		}

		if e.Kind != "notify" {
			continue
		}
		if cfg.IgnoreGroups && msg.IsGroup() {
			continue
		}
		m.notify(ctx, h, EventMessageReceived, map[string]any{
			"message_id": msg.ID,
			"remote_jid": msg.RemoteJID,
			"from_me":    msg.FromMe,
			"is_group":   msg.IsGroup(),
			"kind":       msg.Kind,
			"content":    json.RawMessage(msg.Content),
			"timestamp":  msg.Timestamp,
		})
	}
}

// handleHistorySync persists a bulk replay in bounded batches with a pause
// between each, so one session's full sync cannot monopolize the store.
func (m *Manager) handleHistorySync(ctx context.Context, h *Handle, e *protocol.HistorySync) {
	m.logger.Info("history sync received", "session_id", h.ID,
		"chats", len(e.Chats), "contacts", len(e.Contacts),
		"messages", len(e.Messages), "is_latest", e.IsLatest)

	for i := 0; i < len(e.Chats); i += chatBatchSize {
		m.persistChats(ctx, h.ID, e.Chats[i:min(i+chatBatchSize, len(e.Chats))])
		m.batchPause()
	}
	for i := 0; i < len(e.Contacts); i += contactBatchSize {
		m.persistContacts(ctx, h.ID, e.Contacts[i:min(i+contactBatchSize, len(e.Contacts))])
		m.batchPause()
	}
	for i := 0; i < len(e.Messages); i += messageBatchSize {
		batch := e.Messages[i:min(i+messageBatchSize, len(e.Messages))]
		for _, msg := range batch {
			if m.dedupe.Seen(dedupe.ClassMessage, h.ID, msg.ID) {
				continue
			}
			if err := m.store.UpsertMessage(ctx, toStoreMessage(h.ID, msg)); err != nil {
				m.logger.Error("persisting history message", "session_id", h.ID, "message_id", msg.ID, "error", err)
			}
		}
		m.batchPause()
	}
}

func (m *Manager) handleCall(ctx context.Context, h *Handle, e *protocol.Call) {
	cfg := m.handleConfig(h)

	if cfg.RejectCalls && e.Status == "offer" {
		if err := h.conn.RejectCall(ctx, e.CallID, e.From); err != nil {
			m.logger.Error("rejecting call", "session_id", h.ID, "call_id", e.CallID, "error", err)
		} else {
			m.logger.Info("call rejected", "session_id", h.ID, "from", e.From)
			if cfg.RejectCallsMessage != "" {
				msg := &protocol.OutboundMessage{
					To:      e.From,
					Kind:    "text",
					Content: mustJSON(map[string]string{"text": cfg.RejectCallsMessage}),
				}
				if err := h.conn.Send(ctx, msg); err != nil {
					m.logger.Error("sending call-reject message", "session_id", h.ID, "error", err)
				}
			}
		}
	}

	m.notify(ctx, h, EventCallReceived, map[string]any{
		"call_id": e.CallID,
		"from":    e.From,
		"status":  e.Status,
	})
}

func (m *Manager) persistContacts(ctx context.Context, sessionID string, contacts []*protocol.Contact) {
	for _, c := range contacts {
		if m.dedupe.Seen(dedupe.ClassContact, sessionID, c.JID) {
			continue
		}
		if err := m.store.UpsertContact(ctx, &store.Contact{
			SessionID:    sessionID,
			JID:          c.JID,
			Name:         c.Name,
			Notify:       c.Notify,
			VerifiedName: c.VerifiedName,
			ImgURL:       c.ImgURL,
			Status:       c.Status,
		}); err != nil {
			m.logger.Error("persisting contact", "session_id", sessionID, "jid", c.JID, "error", err)
		}
	}
}

func (m *Manager) persistChats(ctx context.Context, sessionID string, chats []*protocol.Chat) {
	for _, c := range chats {
		if m.dedupe.Seen(dedupe.ClassChat, sessionID, c.JID) {
			continue
		}
		if err := m.store.UpsertChat(ctx, &store.Chat{
			SessionID:     sessionID,
			JID:           c.JID,
			Name:          c.Name,
			UnreadCount:   c.UnreadCount,
			LastMessageAt: c.LastMessageAt,
		}); err != nil {
			m.logger.Error("persisting chat", "session_id", sessionID, "jid", c.JID, "error", err)
		}
	}
}

func (m *Manager) persistGroups(ctx context.Context, sessionID string, groups []*protocol.Group) {
	for _, g := range groups {
		if m.dedupe.Seen(dedupe.ClassGroup, sessionID, g.JID) {
			continue
		}
		if err := m.store.UpsertGroup(ctx, &store.Group{
			SessionID:    sessionID,
			JID:          g.JID,
			Subject:      g.Subject,
			Owner:        g.Owner,
			Description:  g.Description,
			Participants: g.Participants,
		}); err != nil {
			m.logger.Error("persisting group", "session_id", sessionID, "jid", g.JID, "error", err)
		}
	}
}

// notify hands the event to the router after all durable writes for it are
// done. Nil notifier means persist-only mode.
func (m *Manager) notify(ctx context.Context, h *Handle, event string, data map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, h.ID, event, data)
}

// handleConfig returns the handle's config snapshot, never nil.
func (m *Manager) handleConfig(h *Handle) *store.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.config == nil {
		return &store.SessionConfig{}
	}
	return h.config
}

func (m *Manager) setStatus(h *Handle, status string) {
	m.mu.Lock()
	h.status = status
	m.mu.Unlock()
}

func (m *Manager) batchPause() {
	if m.opts.SyncBatchPause > 0 {
		time.Sleep(m.opts.SyncBatchPause)
	}
}

func toStoreMessage(sessionID string, msg *protocol.Message) *store.Message {
	return &store.Message{
		SessionID:   sessionID,
		MessageID:   msg.ID,
		RemoteJID:   msg.RemoteJID,
		FromMe:      msg.FromMe,
		IsGroup:     msg.IsGroup(),
		Participant: msg.Participant,
		Kind:        msg.Kind,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
