// Package store persists sessions, conversation messages, and supervision
// events in SQLite. It also implements runner.EventSink so the supervision
// core can report lifecycle events without knowing about the database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	user_id           INTEGER NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	message_count     INTEGER NOT NULL DEFAULT 0,
	is_active         INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
`

// Session is a persisted conversation session.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"userId"`
	Title        string    `json:"title"`
	WorkDir      string    `json:"workDir"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	IsActive     bool      `json:"isActive"`
}

// Message is one conversation turn side (user or assistant).
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionEvent is a supervision event recorded by the runner core.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. The parent directory is created when missing.
func Open(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records a new session.
func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, title, working_directory, created_at, updated_at, message_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1)`,
		sess.ID, sess.UserID, sess.Title, sess.WorkDir, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var active int
	err := s.db.QueryRow(`
		SELECT id, user_id, title, working_directory, created_at, updated_at, message_count, is_active
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.WorkDir, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount, &active)
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.IsActive = active != 0
	return sess, nil
}

// ListSessions returns a user's sessions, most recently updated first.
// userID 0 lists everything.
func (s *Store) ListSessions(userID int64) ([]Session, error) {
	query := `
		SELECT id, user_id, title, working_directory, created_at, updated_at, message_count, is_active
		FROM sessions`
	args := []any{}
	if userID != 0 {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var active int
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.WorkDir,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount, &active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.IsActive = active != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchSession bumps a session's updated_at.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// DeactivateSession marks a session inactive; history stays readable.
func (s *Store) DeactivateSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// AppendMessage stores one message and bumps the session counters.
func (s *Store) AppendMessage(sessionID, role, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now, sessionID); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

// Messages returns a session's messages in chronological order, newest
// limit entries when limit > 0.
func (s *Store) Messages(sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, created_at FROM messages
		WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT id, session_id, role, content, created_at FROM (
				SELECT id, session_id, role, content, created_at FROM messages
				WHERE session_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Append implements runner.EventSink. Persistence failures are logged, not
// propagated: supervision never stalls on the database.
func (s *Store) Append(sessionID, kind, detail string) {
	_, err := s.db.Exec(`
		INSERT INTO session_events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, detail, time.Now())
	if err != nil {
		s.log.Error("failed to record session event", "session", sessionID, "kind", kind, "err", err)
	}
}

// Events returns a session's supervision events in chronological order.
func (s *Store) Events(sessionID string) ([]SessionEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, detail, created_at FROM session_events
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
