// ABOUTME: WebSocket hub pushing session events to connected clients.
// ABOUTME: Handles auth scoping, subscriptions, and per-client backpressure.

package wshub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zapfy/zap-gateway/internal/router"
	"github.com/zapfy/zap-gateway/internal/store"
)

// sendBuffer is the per-client queue depth. A client that cannot keep up
// has events dropped rather than stalling the hub.
const sendBuffer = 64

// SessionStats exposes the live-session counters pushed to clients on
// request. Implemented by the session manager.
type SessionStats interface {
	ActiveSessions() []string
}

// Options configures the hub.
type Options struct {
	// GlobalSecret authenticates operator clients that see every session.
	GlobalSecret string
	// AuthTimeout bounds how long a client may take to authenticate.
	AuthTimeout time.Duration
}

// frame is the client-to-server message shape.
type frame struct {
	Type   string   `json:"type"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// outFrame is the server-to-client message shape. Event fields are only set
// for type "event".
type outFrame struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Message   string         `json:"message,omitempty"`
	Event     string         `json:"event,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Sessions  []string       `json:"sessions,omitempty"`
}

// client is one authenticated websocket connection.
type client struct {
	conn *websocket.Conn
	send chan *outFrame

	mu        sync.Mutex
	sessionID string   // empty for global scope
	events    []string // nil means all events
}

func (c *client) scope() (sessionID string, events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.events
}

func (c *client) subscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
}

// wants reports whether the client should receive this event.
func (c *client) wants(ev *router.Event) bool {
	sessionID, events := c.scope()
	if sessionID != "" && sessionID != ev.SessionID {
		return false
	}
	if events == nil {
		return true
	}
	for _, name := range events {
		if name == ev.Name {
			return true
		}
	}
	return false
}

// Hub accepts websocket clients and fans session events out to them. It is
// itself a router sink: Deliver pushes one event to every interested client.
//
// Two auth scopes exist: the operator's global secret grants visibility into
// every session, and a session id used as the secret scopes the client to
// that single session's events.
type Hub struct {
	store  store.Store
	stats  SessionStats
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	// Dropped counts events discarded because a client's queue was full.
	dropped int
}

// New creates a Hub. stats may be nil; get_sessions then returns an empty
// list.
func New(st store.Store, stats SessionStats, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	return &Hub{
		store:   st,
		stats:   stats,
		opts:    opts,
		logger:  logger.With("component", "wshub"),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver pushes the event to every client whose scope and subscription
// match. Clients that cannot keep up lose the event; the hub never blocks.
func (h *Hub) Deliver(_ context.Context, ev *router.Event) error {
	out := &outFrame{
		Type:      "event",
		Event:     ev.Name,
		SessionID: ev.SessionID,
		Data:      ev.Data,
		Timestamp: ev.Timestamp.Format(time.RFC3339),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- out:
		default:
			h.dropped++
		}
	}
	return nil
}

// ClientCount returns the number of connected, authenticated clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()

	if err := wsjson.Write(ctx, conn, &outFrame{Type: "welcome", Message: "authenticate to receive events"}); err != nil {
		return
	}

	c, err := h.authenticate(ctx, conn)
	if err != nil {
		h.logger.Debug("websocket auth failed", "error", err)
		wsjson.Write(ctx, conn, &outFrame{Type: "auth_error", Message: "authentication failed"})
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	h.register(c)
	defer h.unregister(c)

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.writeLoop(writeCtx, c)

	h.readLoop(ctx, c)
	conn.Close(websocket.StatusNormalClosure, "")
}

// authenticate waits for the first frame and resolves its scope. The secret
// is either the operator's global secret or an existing session's id. An
// event allow-list on the auth frame takes effect immediately, without a
// separate subscribe message.
func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (*client, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.AuthTimeout)
	defer cancel()

	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		return nil, err
	}
	if f.Type != "auth" || f.Secret == "" {
		return nil, errors.New("first frame must be auth")
	}

	c := &client{conn: conn, send: make(chan *outFrame, sendBuffer)}
	if len(f.Events) > 0 {
		c.events = f.Events
	}

	if h.opts.GlobalSecret != "" && f.Secret == h.opts.GlobalSecret {
		c.send <- &outFrame{Type: "auth_success", Scope: "global"}
		return c, nil
	}

	if _, err := h.store.GetSession(ctx, f.Secret); err == nil {
		c.sessionID = f.Secret
		c.send <- &outFrame{Type: "auth_success", Scope: "session", SessionID: f.Secret}
		return c, nil
	}

	return nil, errors.New("unknown secret")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "clients", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client disconnected", "clients", n)
}

// readLoop processes client commands until the connection drops.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var f frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return
		}

		switch f.Type {
		case "subscribe":
			c.subscribe(f.Events)
			h.enqueue(c, &outFrame{Type: "subscribed"})
		case "ping":
			h.enqueue(c, &outFrame{Type: "pong"})
		case "get_sessions":
			sessionID, _ := c.scope()
			if sessionID != "" {
				h.enqueue(c, &outFrame{Type: "error", Message: "not permitted"})
				continue
			}
			var sessions []string
			if h.stats != nil {
				sessions = h.stats.ActiveSessions()
			}
			h.enqueue(c, &outFrame{Type: "sessions", Sessions: sessions})
		default:
			h.enqueue(c, &outFrame{Type: "error", Message: "unknown message type"})
		}
	}
}

func (h *Hub) enqueue(c *client, out *outFrame) {
	select {
	case c.send <- out:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// writeLoop is the single writer for the connection. Having one writer per
// client keeps wsjson.Write calls serialized.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.send:
			if err := wsjson.Write(ctx, c.conn, out); err != nil {
				return
			}
		}
	}
}

// CloseAll disconnects every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
