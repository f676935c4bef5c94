// ABOUTME: HTTP API server exposing session, message, and queue management.
// ABOUTME: Global key, per-session key, or bearer-token auth; JSON envelope throughout.

package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zapfy/zap-gateway/internal/queue"
	"github.com/zapfy/zap-gateway/internal/session"
	"github.com/zapfy/zap-gateway/internal/store"
)

// APIKeyHeader carries the operator's static API key.
const APIKeyHeader = "X-Api-Key"

// Server wires the HTTP surface to the session manager, queue, and store.
type Server struct {
	store    store.Store
	manager  *session.Manager
	queue    *queue.Queue
	hub      ClientCounter
	apiKey   string
	verifier TokenVerifier
	logger   *slog.Logger
	started  time.Time
}

// ClientCounter reports connected websocket clients for the health endpoint.
// May be nil when the websocket surface is disabled.
type ClientCounter interface {
	ClientCount() int
}

// NewServer creates the API server. verifier may be nil to disable bearer
// tokens; hub may be nil when websockets are off.
func NewServer(st store.Store, mgr *session.Manager, q *queue.Queue, hub ClientCounter, apiKey string, verifier TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		manager:  mgr,
		queue:    q,
		hub:      hub,
		apiKey:   apiKey,
		verifier: verifier,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
	}
}

// Routes builds the full route table. wsHandler, when non-nil, is mounted at
// /ws outside the API auth (it runs its own auth handshake).
func (s *Server) Routes(wsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	if wsHandler != nil {
		mux.Handle("/ws", wsHandler)
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/sessions", s.handleSessions)
	api.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	api.HandleFunc("/api/messages/send", s.handleSendMessage)
	api.HandleFunc("/api/queue/", s.handleQueue)
	mux.Handle("/api/", s.requireAuth(api))

	return mux
}

// requireAuth admits requests carrying the static API key, a valid bearer
// token, or a session's own id scoped to the routes targeting that session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(APIKeyHeader); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if s.sessionKeyAllowed(r, key) {
				next.ServeHTTP(w, r)
				return
			}
			s.fail(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		auth := r.Header.Get("Authorization")
		if s.verifier != nil && strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if _, err := s.verifier.Verify(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			s.fail(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.fail(w, http.StatusUnauthorized, "missing credentials")
	})
}

// sessionKeyAllowed admits a session's own id as a credential for the routes
// scoped to that session. The key must match the target session and name an
// existing row; it opens no global routes.
func (s *Server) sessionKeyAllowed(r *http.Request, key string) bool {
	target := routeSessionID(r)
	if target == "" || subtle.ConstantTimeCompare([]byte(key), []byte(target)) != 1 {
		return false
	}
	_, err := s.store.GetSession(r.Context(), key)
	return err == nil
}

// routeSessionID resolves which session a request targets: the path segment
// for session and queue routes, the body's session_id for sends. Global
// routes resolve to "".
func routeSessionID(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/sessions/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/api/sessions/"), "/")
		return strings.SplitN(rest, "/", 2)[0]
	case strings.HasPrefix(path, "/api/queue/"):
		return strings.Trim(strings.TrimPrefix(path, "/api/queue/"), "/")
	case path == "/api/messages/send":
		return peekSessionID(r)
	}
	return ""
}

// peekSessionID reads the send body's session_id and rewinds the body for
// the handler.
func peekSessionID(r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if json.Unmarshal(body, &req) != nil {
		return ""
	}
	return req.SessionID
}

// envelope is the uniform response shape of every API endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) ok(w http.ResponseWriter, message string, data any) {
	s.respond(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, envelope{Success: false, Message: message})
}

func (s *Server) respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
