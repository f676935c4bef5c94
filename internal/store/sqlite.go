// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/entity persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			phone_number TEXT,
			status TEXT NOT NULL DEFAULT 'uninitialized',
			qr_code TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (status IN ('uninitialized', 'connecting', 'qr_ready', 'connected', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS session_configs (
			session_id TEXT PRIMARY KEY,
			config_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			session_id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			remote_jid TEXT NOT NULL,
			from_me INTEGER NOT NULL DEFAULT 0,
			is_group INTEGER NOT NULL DEFAULT 0,
			participant TEXT,
			kind TEXT NOT NULL DEFAULT 'unknown',
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'received',
			PRIMARY KEY (session_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_jid
			ON messages(session_id, remote_jid, timestamp);

		CREATE TABLE IF NOT EXISTS contacts (
			session_id TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			notify TEXT,
			verified_name TEXT,
			img_url TEXT,
			status TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, jid)
		);

		CREATE TABLE IF NOT EXISTS chats (
			session_id TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, jid)
		);

		CREATE TABLE IF NOT EXISTS groups (
			session_id TEXT NOT NULL,
			jid TEXT NOT NULL,
			subject TEXT,
			owner TEXT,
			description TEXT,
			participants_json TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, jid)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
// Returns ErrDuplicateSession when the id or name is already taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = StatusUninitialized
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, phone_number, status, qr_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.PhoneNumber, session.Status, session.QRCode,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone_number, ''), status, COALESCE(qr_code, ''), created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	return scanSession(row)
}

// ListSessions returns all sessions, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone_number, ''), status, COALESCE(qr_code, ''), created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.PhoneNumber, &sess.Status,
			&sess.QRCode, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus sets the durable status for a session
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	return s.updateSession(ctx, id, "status = ?", status)
}

// UpdateSessionQR stores the current pairing artifact for a session
func (s *SQLiteStore) UpdateSessionQR(ctx context.Context, id, qr string) error {
	return s.updateSession(ctx, id, "qr_code = ?", qr)
}

// UpdateSessionPhone records the phone number once the identity is established
func (s *SQLiteStore) UpdateSessionPhone(ctx context.Context, id, phoneNumber string) error {
	return s.updateSession(ctx, id, "phone_number = ?", phoneNumber)
}

func (s *SQLiteStore) updateSession(ctx context.Context, id, assignment string, value any) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+assignment+", updated_at = ? WHERE id = ?",
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row plus its config and credentials
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	for _, q := range []string{
		"DELETE FROM session_configs WHERE session_id = ?",
		"DELETE FROM credentials WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
	}
	return nil
}

// GetConfig returns the session's delivery config.
// An absent row yields a zero-value config, not an error.
func (s *SQLiteStore) GetConfig(ctx context.Context, sessionID string) (*SessionConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT config_json FROM session_configs WHERE session_id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &SessionConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig upserts the session's delivery config
func (s *SQLiteStore) SaveConfig(ctx context.Context, sessionID string, cfg *SessionConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_configs (session_id, config_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		sessionID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

// SaveCredentials mirrors the session's auth blob to durable storage
func (s *SQLiteStore) SaveCredentials(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (session_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		sessionID, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// GetCredentials loads the session's auth blob. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT blob FROM credentials WHERE session_id = ?", sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return blob, nil
}

// DeleteCredentials removes the session's auth blob. Idempotent.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// UpsertMessage persists a message keyed by (session_id, message_id)
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, message_id, remote_jid, from_me, is_group,
			participant, kind, content, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			content = excluded.content,
			kind = excluded.kind,
			status = excluded.status`,
		msg.SessionID, msg.MessageID, msg.RemoteJID, boolToInt(msg.FromMe), boolToInt(msg.IsGroup),
		msg.Participant, msg.Kind, msg.Content, msg.Timestamp, msg.Status)
	if err != nil {
		return fmt.Errorf("upserting message: %w", err)
	}
	return nil
}

// UpsertContact persists a contact keyed by (session_id, jid)
func (s *SQLiteStore) UpsertContact(ctx context.Context, contact *Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (session_id, jid, name, notify, verified_name, img_url, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = excluded.name,
			notify = excluded.notify,
			verified_name = excluded.verified_name,
			img_url = excluded.img_url,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		contact.SessionID, contact.JID, contact.Name, contact.Notify,
		contact.VerifiedName, contact.ImgURL, contact.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}

// UpsertChat persists a chat keyed by (session_id, jid)
func (s *SQLiteStore) UpsertChat(ctx context.Context, chat *Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (session_id, jid, name, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = excluded.name,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		chat.SessionID, chat.JID, chat.Name, chat.UnreadCount, chat.LastMessageAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting chat: %w", err)
	}
	return nil
}

// UpsertGroup persists group metadata keyed by (session_id, jid)
func (s *SQLiteStore) UpsertGroup(ctx context.Context, group *Group) error {
	participants, err := json.Marshal(group.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (session_id, jid, subject, owner, description, participants_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			subject = excluded.subject,
			owner = excluded.owner,
			description = excluded.description,
			participants_json = excluded.participants_json,
			updated_at = excluded.updated_at`,
		group.SessionID, group.JID, group.Subject, group.Owner, group.Description,
		string(participants), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting group: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Name, &sess.PhoneNumber, &sess.Status,
		&sess.QRCode, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
