// ABOUTME: Boundary contract for messaging-protocol connections
// ABOUTME: Defines the Conn/Factory interfaces and the closed event union

package protocol

import "context"

// ConnectionState reported by ConnectionUpdate events
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClose
)

// Close status codes carried on ConnectionUpdate when State is StateClose.
// CodeLoggedOut is the only terminal cause; everything else is treated as a
// transient network loss and handed to the reconnection policy.
const (
	CodeLoggedOut = 401
)

// Event is the closed union of notifications a connection can emit.
// Unknown event shapes cannot exist: the driver constructs only these types.
type Event interface {
	isEvent()
}

// ConnectionUpdate signals a connection state transition or a fresh pairing
// artifact. QR and PairingCode are only set while pairing.
type ConnectionUpdate struct {
	State       ConnectionState
	QR          string
	PairingCode string
	StatusCode  int
	Reason      string
}

// Terminal reports whether a close update means the identity was logged out
// and reconnecting is pointless.
func (u *ConnectionUpdate) Terminal() bool {
	return u.State == StateClose && u.StatusCode == CodeLoggedOut
}

// CredentialsUpdate carries the refreshed auth blob after the protocol
// rotates keys. The receiver must mirror it to durable storage.
type CredentialsUpdate struct {
	Blob []byte
}

// Message is the wire shape of a protocol message
type Message struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
	Kind        string
	Content     string // payload as JSON
	Timestamp   int64
}

// IsGroup reports whether the message belongs to a group chat
func (m *Message) IsGroup() bool {
	return len(m.RemoteJID) > 5 && m.RemoteJID[len(m.RemoteJID)-5:] == "@g.us"
}

// Contact is the wire shape of a contact record
type Contact struct {
	JID          string
	Name         string
	Notify       string
	VerifiedName string
	ImgURL       string
	Status       string
}

// Chat is the wire shape of a chat record
type Chat struct {
	JID           string
	Name          string
	UnreadCount   int
	LastMessageAt int64
}

// Group is the wire shape of group metadata
type Group struct {
	JID          string
	Subject      string
	Owner        string
	Description  string
	Participants []string
}

// MessagesUpsert carries newly received or appended messages
type MessagesUpsert struct {
	Messages []*Message
	Kind     string // "notify" for live messages, "append" for replayed ones
}

// MessageUpdate carries a delivery/read status change for a known message
type MessageUpdate struct {
	RemoteJID string
	MessageID string
	Status    string
}

// Presence carries presence changes for a chat
type Presence struct {
	RemoteJID string
	Presences map[string]string
}

// HistorySync is a bulk replay of chats, contacts, and messages
type HistorySync struct {
	Chats    []*Chat
	Contacts []*Contact
	Messages []*Message
	IsLatest bool
}

// ContactsUpsert carries a batch of contact records
type ContactsUpsert struct {
	Contacts []*Contact
}

// ChatsUpsert carries a batch of chat records
type ChatsUpsert struct {
	Chats []*Chat
}

// GroupsUpdate carries a batch of group metadata records
type GroupsUpdate struct {
	Groups []*Group
}

// Call signals an incoming call event
type Call struct {
	CallID string
	From   string
	Status string // "offer", "accept", "reject", "timeout"
}

func (*ConnectionUpdate) isEvent()  {}
func (*CredentialsUpdate) isEvent() {}
func (*MessagesUpsert) isEvent()    {}
func (*MessageUpdate) isEvent()     {}
func (*Presence) isEvent()          {}
func (*HistorySync) isEvent()       {}
func (*ContactsUpsert) isEvent()    {}
func (*ChatsUpsert) isEvent()       {}
func (*GroupsUpdate) isEvent()      {}
func (*Call) isEvent()              {}

// OutboundMessage is a send request handed to a connection
type OutboundMessage struct {
	To      string
	Kind    string
	Content string // payload as JSON
}

// Conn is one live protocol connection. Implementations own the socket and
// the protocol's cryptography/framing; the gateway only sees this surface.
//
// Events returns the connection's event stream. The channel is closed when
// the connection shuts down, which is also how consumers detach: a closed
// channel ends the consuming goroutine, so no handler can fire for a
// connection that was torn down.
type Conn interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *OutboundMessage) error
	SendReadReceipt(ctx context.Context, remoteJID, messageID string) error
	RejectCall(ctx context.Context, callID, from string) error
	Logout(ctx context.Context) error
	Close() error
	Events() <-chan Event
	Connected() bool
}

// Factory opens a connection for a session. creds is the persisted auth
// blob, nil for a fresh pairing flow.
type Factory interface {
	Open(ctx context.Context, sessionID string, creds []byte, phoneNumber string) (Conn, error)
}
