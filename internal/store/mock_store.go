// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Thread-safe, with call counters to assert write amplification

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests. It counts entity upserts so
// tests can assert how many durable writes a code path produced.
type MockStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	configs     map[string]*SessionConfig
	credentials map[string][]byte
	messages    map[string]*Message
	contacts    map[string]*Contact
	chats       map[string]*Chat
	groups      map[string]*Group

	MessageUpserts int
	ContactUpserts int
	ChatUpserts    int
	GroupUpserts   int

	// Optional error injection, applied to every call when set
	Err error
}

// NewMockStore creates an empty MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:    make(map[string]*Session),
		configs:     make(map[string]*SessionConfig),
		credentials: make(map[string][]byte),
		messages:    make(map[string]*Message),
		contacts:    make(map[string]*Contact),
		chats:       make(map[string]*Chat),
		groups:      make(map[string]*Group),
	}
}

func (m *MockStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.sessions[session.ID]; ok {
		return ErrDuplicateSession
	}
	for _, s := range m.sessions {
		if s.Name == session.Name {
			return ErrDuplicateSession
		}
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = StatusUninitialized
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MockStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MockStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) UpdateSessionStatus(_ context.Context, id, status string) error {
	return m.updateSession(id, func(s *Session) { s.Status = status })
}

func (m *MockStore) UpdateSessionQR(_ context.Context, id, qr string) error {
	return m.updateSession(id, func(s *Session) { s.QRCode = qr })
}

func (m *MockStore) UpdateSessionPhone(_ context.Context, id, phoneNumber string) error {
	return m.updateSession(id, func(s *Session) { s.PhoneNumber = phoneNumber })
}

func (m *MockStore) updateSession(id string, apply func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	apply(sess)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.sessions, id)
	delete(m.configs, id)
	delete(m.credentials, id)
	return nil
}

func (m *MockStore) GetConfig(_ context.Context, sessionID string) (*SessionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	cfg, ok := m.configs[sessionID]
	if !ok {
		return &SessionConfig{}, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *MockStore) SaveConfig(_ context.Context, sessionID string, cfg *SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *cfg
	m.configs[sessionID] = &cp
	return nil
}

func (m *MockStore) SaveCredentials(_ context.Context, sessionID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.credentials[sessionID] = cp
	return nil
}

func (m *MockStore) GetCredentials(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	blob, ok := m.credentials[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (m *MockStore) DeleteCredentials(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.credentials, sessionID)
	return nil
}

// HasCredentials reports whether a credential blob is stored for the session
func (m *MockStore) HasCredentials(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.credentials[sessionID]
	return ok
}

func (m *MockStore) UpsertMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.MessageUpserts++
	cp := *msg
	m.messages[msg.SessionID+"|"+msg.MessageID] = &cp
	return nil
}

func (m *MockStore) UpsertContact(_ context.Context, contact *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ContactUpserts++
	cp := *contact
	m.contacts[contact.SessionID+"|"+contact.JID] = &cp
	return nil
}

func (m *MockStore) UpsertChat(_ context.Context, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ChatUpserts++
	cp := *chat
	m.chats[chat.SessionID+"|"+chat.JID] = &cp
	return nil
}

func (m *MockStore) UpsertGroup(_ context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.GroupUpserts++
	cp := *group
	m.groups[group.SessionID+"|"+group.JID] = &cp
	return nil
}

func (m *MockStore) Close() error {
	return nil
}
