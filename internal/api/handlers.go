// ABOUTME: HTTP handlers for session lifecycle, messaging, and queue routes.
// ABOUTME: Flat mux routes with method switches and path-suffix dispatch.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zapfy/zap-gateway/internal/protocol"
	"github.com/zapfy/zap-gateway/internal/store"
)

// sessionView is the JSON shape of a session in API responses.
type sessionView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status"`
	Connected   bool   `json:"connected"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (s *Server) sessionView(r *http.Request, sess *store.Session) sessionView {
	return sessionView{
		ID:          sess.ID,
		Name:        sess.Name,
		PhoneNumber: sess.PhoneNumber,
		Status:      sess.Status,
		Connected:   s.manager.IsConnected(r.Context(), sess.ID),
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   sess.UpdatedAt.Format(time.RFC3339),
	}
}

// handleSessions handles GET (list) and POST (create) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSessions(w, r)
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("listing sessions", "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.sessionView(r, sess))
	}
	s.ok(w, "sessions listed", views)
}

type createSessionRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Connect     bool   `json:"connect"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.fail(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	sess := &store.Session{
		ID:          req.ID,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		Status:      store.StatusUninitialized,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			s.fail(w, http.StatusConflict, "session already exists")
			return
		}
		s.logger.Error("creating session", "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if req.Connect {
		if err := s.manager.CreateSession(r.Context(), sess.ID, sess.PhoneNumber); err != nil {
			s.logger.Error("connecting new session", "session_id", sess.ID, "error", err)
			s.fail(w, http.StatusInternalServerError, "session created but connection failed")
			return
		}
	}

	s.logger.Info("session registered", "session_id", sess.ID, "name", sess.Name, "connect", req.Connect)
	s.ok(w, "session created", s.sessionView(r, sess))
}

// handleSessionRoutes dispatches /api/sessions/{id} and
// /api/sessions/{id}/{action}.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if id == "" {
		s.fail(w, http.StatusBadRequest, "session id is required")
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("loading session", "session_id", id, "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.ok(w, "session found", s.sessionView(r, sess))
		case http.MethodDelete:
			s.handleDeleteSession(w, r, sess)
		default:
			s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "connect":
		s.requireMethod(w, r, s.handleConnectSession, sess, http.MethodPost, http.MethodPut)
	case "reconnect":
		s.requireMethod(w, r, s.handleConnectSession, sess, http.MethodPost)
	case "qr":
		s.requireMethod(w, r, s.handleSessionQR, sess, http.MethodGet)
	case "status":
		s.requireMethod(w, r, s.handleSessionStatus, sess, http.MethodGet)
	case "logout":
		s.requireMethod(w, r, s.handleLogoutSession, sess, http.MethodPost)
	case "config":
		switch r.Method {
		case http.MethodGet:
			s.handleGetConfig(w, r, sess)
		case http.MethodPut:
			s.handleUpdateConfig(w, r, sess)
		default:
			s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		s.fail(w, http.StatusNotFound, "unknown route")
	}
}

type sessionHandler func(http.ResponseWriter, *http.Request, *store.Session)

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, h sessionHandler, sess *store.Session, methods ...string) {
	for _, m := range methods {
		if r.Method == m {
			h(w, r, sess)
			return
		}
	}
	s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) handleConnectSession(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	if s.manager.IsConnected(r.Context(), sess.ID) {
		s.ok(w, "session already connected", nil)
		return
	}
	if err := s.manager.CreateSession(r.Context(), sess.ID, sess.PhoneNumber); err != nil {
		s.logger.Error("connecting session", "session_id", sess.ID, "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to start connection")
		return
	}
	s.ok(w, "connection started", map[string]any{"status": store.StatusConnecting})
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	// Re-read: the QR is written by the event pipeline after connect
	fresh, err := s.store.GetSession(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if fresh.QRCode == "" {
		s.fail(w, http.StatusNotFound, "no qr code available")
		return
	}
	s.ok(w, "qr code", map[string]any{"qr": fresh.QRCode, "status": fresh.Status})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	data := map[string]any{
		"status":    sess.Status,
		"connected": s.manager.IsConnected(r.Context(), sess.ID),
	}
	if info, ok := s.manager.GetSession(sess.ID); ok {
		data["reconnect_attempts"] = info.ReconnectAttempts
		if !info.LastConnected.IsZero() {
			data["last_connected"] = info.LastConnected.Format(time.RFC3339)
		}
	}
	s.ok(w, "session status", data)
}

func (s *Server) handleLogoutSession(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	if err := s.manager.Logout(r.Context(), sess.ID); err != nil {
		s.fail(w, http.StatusConflict, "session has no live connection")
		return
	}
	s.ok(w, "logout requested", nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	if err := s.manager.RemoveSession(r.Context(), sess.ID, true); err != nil {
		s.logger.Error("removing session", "session_id", sess.ID, "error", err)
	}
	s.queue.Clear(sess.ID)
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		s.logger.Error("deleting session", "session_id", sess.ID, "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	s.logger.Info("session deleted", "session_id", sess.ID)
	s.ok(w, "session deleted", nil)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	cfg, err := s.store.GetConfig(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	s.ok(w, "session config", cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	var cfg store.SessionConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.UpdateConfig(r.Context(), sess.ID, &cfg); err != nil {
		s.logger.Error("saving session config", "session_id", sess.ID, "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	s.ok(w, "config updated", &cfg)
}

type sendMessageRequest struct {
	SessionID string          `json:"session_id"`
	To        string          `json:"to"`
	Kind      string          `json:"kind"`
	Content   json.RawMessage `json:"content"`
	DelayMS   int             `json:"delay_ms"`
}

// handleSendMessage enqueues an outbound message on the session's queue.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.To == "" || len(req.Content) == 0 {
		s.fail(w, http.StatusBadRequest, "session_id, to, and content are required")
		return
	}
	if req.Kind == "" {
		req.Kind = "text"
	}

	if _, err := s.store.GetSession(r.Context(), req.SessionID); err != nil {
		s.fail(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.manager.IsConnected(r.Context(), req.SessionID) {
		s.fail(w, http.StatusConflict, "session not connected")
		return
	}

	msg := &protocol.OutboundMessage{To: req.To, Kind: req.Kind, Content: string(req.Content)}
	receipt, err := s.queue.Enqueue(req.SessionID, msg, time.Duration(req.DelayMS)*time.Millisecond)
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	s.ok(w, "message queued", map[string]any{
		"id":                 receipt.ID,
		"position":           receipt.Position,
		"estimated_delay_ms": receipt.EstimatedDelay.Milliseconds(),
	})
}

// handleQueue handles GET (status) and DELETE (clear) on /api/queue/{id}.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/"), "/")
	if id == "" {
		s.fail(w, http.StatusBadRequest, "session id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.ok(w, "queue status", s.queue.Status(id))
	case http.MethodDelete:
		removed := s.queue.Clear(id)
		s.ok(w, "queue cleared", map[string]any{"removed": removed})
	default:
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleHealth is unauthenticated and reports process liveness plus session
// counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"sessions":       s.manager.Stats(),
	}
	if s.hub != nil {
		data["ws_clients"] = s.hub.ClientCount()
	}
	s.ok(w, "healthy", data)
}
