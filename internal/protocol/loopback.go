// ABOUTME: In-memory loopback protocol driver for development and tests
// ABOUTME: Scriptable connection that echoes sends and exposes Emit for event injection

package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnClosed is returned when operating on a closed loopback connection
var ErrConnClosed = errors.New("connection closed")

// LoopbackFactory opens LoopbackConns and keeps a registry of the most
// recent connection per session id so tests and the dev server can reach
// into them.
type LoopbackFactory struct {
	mu    sync.Mutex
	conns map[string]*LoopbackConn

	// OpenErr, when set, is returned by Open. Used to exercise
	// connection-factory failure paths.
	OpenErr error
}

// NewLoopbackFactory creates an empty factory
func NewLoopbackFactory() *LoopbackFactory {
	return &LoopbackFactory{conns: make(map[string]*LoopbackConn)}
}

// Open creates a new loopback connection for the session
func (f *LoopbackFactory) Open(_ context.Context, sessionID string, creds []byte, phoneNumber string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OpenErr != nil {
		return nil, f.OpenErr
	}

	conn := &LoopbackConn{
		sessionID:   sessionID,
		phoneNumber: phoneNumber,
		creds:       creds,
		events:      make(chan Event, 64),
	}
	f.conns[sessionID] = conn
	return conn, nil
}

// Conn returns the most recently opened connection for the session, or nil.
func (f *LoopbackFactory) Conn(sessionID string) *LoopbackConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[sessionID]
}

// LoopbackConn simulates a protocol connection entirely in memory.
// Connect with credentials goes straight to open; without credentials it
// emits a pairing QR and waits for Pair to be called. Sends are recorded
// and echoed back as own-message upserts, mirroring how the real network
// reflects sent messages into the event stream.
type LoopbackConn struct {
	sessionID   string
	phoneNumber string
	creds       []byte

	mu        sync.Mutex
	events    chan Event
	closed    bool
	connected bool
	sent      []*OutboundMessage
	reads     []string
	rejected  []string
}

// Connect starts the simulated session
func (c *LoopbackConn) Connect(_ context.Context) error {
	c.mu.Lock()
	hasCreds := len(c.creds) > 0
	c.mu.Unlock()

	c.Emit(&ConnectionUpdate{State: StateConnecting})

	if hasCreds {
		c.open()
		return nil
	}

	c.Emit(&ConnectionUpdate{QR: "loopback-qr-" + uuid.New().String()})
	return nil
}

// Pair simulates the user scanning the QR code: credentials are minted,
// announced, and the connection opens.
func (c *LoopbackConn) Pair() {
	blob := []byte(fmt.Sprintf(`{"session":%q,"paired_at":%d}`, c.sessionID, time.Now().Unix()))

	c.mu.Lock()
	c.creds = blob
	c.mu.Unlock()

	c.Emit(&CredentialsUpdate{Blob: blob})
	c.open()
}

func (c *LoopbackConn) open() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Emit(&ConnectionUpdate{State: StateOpen})
}

// Drop simulates a network loss with the given close status code
func (c *LoopbackConn) Drop(statusCode int, reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.Emit(&ConnectionUpdate{State: StateClose, StatusCode: statusCode, Reason: reason})
}

// Send records the outbound message and echoes it as an own-message event
func (c *LoopbackConn) Send(_ context.Context, msg *OutboundMessage) error {
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.Emit(&MessagesUpsert{
		Kind: "notify",
		Messages: []*Message{{
			ID:        uuid.New().String(),
			RemoteJID: msg.To,
			FromMe:    true,
			Kind:      msg.Kind,
			Content:   msg.Content,
			Timestamp: time.Now().Unix(),
		}},
	})
	return nil
}

// SendReadReceipt records the acknowledged message id
func (c *LoopbackConn) SendReadReceipt(_ context.Context, _, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return ErrConnClosed
	}
	c.reads = append(c.reads, messageID)
	return nil
}

// RejectCall records the rejected call id
func (c *LoopbackConn) RejectCall(_ context.Context, callID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return ErrConnClosed
	}
	c.rejected = append(c.rejected, callID)
	return nil
}

// Logout simulates the remote end invalidating the credentials
func (c *LoopbackConn) Logout(_ context.Context) error {
	c.Drop(CodeLoggedOut, "logged out")
	return nil
}

// Close shuts the connection and closes the event stream. Idempotent.
func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.events)
	return nil
}

// Events returns the connection's event stream
func (c *LoopbackConn) Events() <-chan Event {
	return c.events
}

// Connected reports live socket readiness
func (c *LoopbackConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Sent returns a copy of the messages sent through this connection
func (c *LoopbackConn) Sent() []*OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*OutboundMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// ReadReceipts returns the message ids acknowledged through this connection
func (c *LoopbackConn) ReadReceipts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.reads))
	copy(out, c.reads)
	return out
}

// RejectedCalls returns the call ids rejected through this connection
func (c *LoopbackConn) RejectedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.rejected))
	copy(out, c.rejected)
	return out
}

// Emit injects an event into the stream. Events emitted after Close, or
// while the consumer is too far behind, are dropped.
func (c *LoopbackConn) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
