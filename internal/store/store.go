// ABOUTME: Store interface and data types for zap-gateway persistence
// ABOUTME: Defines Session, Message, Contact, Chat, Group structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session whose id or name already exists
var ErrDuplicateSession = errors.New("session already exists")

// SessionStatus values for the session lifecycle
const (
	StatusUninitialized = "uninitialized"
	StatusConnecting    = "connecting"
	StatusQRReady       = "qr_ready"
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
)

// Session is the durable record of one managed protocol identity
type Session struct {
	ID          string
	Name        string
	PhoneNumber string
	Status      string
	QRCode      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionConfig holds per-session event delivery settings, mutable by API
// calls independent of connection state
type SessionConfig struct {
	WebhookURL         string   `json:"webhook_url"`
	WebhookEnabled     bool     `json:"webhook_enabled"`
	Events             []string `json:"events"`
	AutoRead           bool     `json:"auto_read"`
	RejectCalls        bool     `json:"reject_calls"`
	RejectCallsMessage string   `json:"reject_calls_message"`
	IgnoreGroups       bool     `json:"ignore_groups"`
}

// SubscribedTo reports whether the config's event allow-list includes name.
// An empty list subscribes to nothing.
func (c *SessionConfig) SubscribedTo(name string) bool {
	for _, e := range c.Events {
		if e == name {
			return true
		}
	}
	return false
}

// Message is a persisted protocol message, keyed by (session_id, message_id)
type Message struct {
	SessionID   string
	MessageID   string
	RemoteJID   string
	FromMe      bool
	IsGroup     bool
	Participant string
	Kind        string
	Content     string // protocol payload as JSON
	Timestamp   int64
	Status      string
}

// Contact is a persisted contact, keyed by (session_id, jid)
type Contact struct {
	SessionID    string
	JID          string
	Name         string
	Notify       string
	VerifiedName string
	ImgURL       string
	Status       string
}

// Chat is a persisted chat, keyed by (session_id, jid)
type Chat struct {
	SessionID     string
	JID           string
	Name          string
	UnreadCount   int
	LastMessageAt int64
}

// Group is persisted group metadata, keyed by (session_id, jid)
type Group struct {
	SessionID    string
	JID          string
	Subject      string
	Owner        string
	Description  string
	Participants []string
}

// Store defines the interface for session and entity persistence.
//
// All entity upserts are insert-or-update-on-conflict keyed by
// (session id, natural key), so repeated writes of the same entity are
// idempotent. The dedup caches in front of these calls are a performance
// optimization, not a correctness mechanism.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSessionQR(ctx context.Context, id, qr string) error
	UpdateSessionPhone(ctx context.Context, id, phoneNumber string) error
	DeleteSession(ctx context.Context, id string) error

	// Per-session config
	GetConfig(ctx context.Context, sessionID string) (*SessionConfig, error)
	SaveConfig(ctx context.Context, sessionID string, cfg *SessionConfig) error

	// Credential blobs (write-through mirror of in-memory auth state)
	SaveCredentials(ctx context.Context, sessionID string, blob []byte) error
	GetCredentials(ctx context.Context, sessionID string) ([]byte, error)
	DeleteCredentials(ctx context.Context, sessionID string) error

	// Entities
	UpsertMessage(ctx context.Context, msg *Message) error
	UpsertContact(ctx context.Context, contact *Contact) error
	UpsertChat(ctx context.Context, chat *Chat) error
	UpsertGroup(ctx context.Context, group *Group) error

	// Close releases any resources held by the store
	Close() error
}
