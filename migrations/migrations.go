package migrations

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID            int64     `json:"id"`
	ChatSessionID string    `json:"chat_session_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	JSONPayload   []byte    `json:"json_payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

var db *sql.DB

// Init sets the DB connection for migrations and queries
func Init(database *sql.DB) {
	db = database
}

// Migrate creates required tables if they do not exist
func Migrate() error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	createSessions := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		title VARCHAR(191) NOT NULL DEFAULT 'New Chat',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_chat_sessions_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createSessions); err != nil {
		return err
	}
	createMessages := `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		chat_session_id VARCHAR(64) NOT NULL,
		role VARCHAR(20) NOT NULL,
		content TEXT NOT NULL,
		json_payload LONGTEXT NULL,
		created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_messages_session (chat_session_id),
		FOREIGN KEY (chat_session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createMessages); err != nil {
		return err
	}
	// One row per session. The engine reads and upserts this directly
	// instead of scanning message payloads; the payload column keeps the
	// same tagged JSON the assistant message carries.
	createStates := `
	CREATE TABLE IF NOT EXISTS session_states (
		chat_session_id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(40) NOT NULL,
		payload LONGTEXT NOT NULL,
		version INT NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		FOREIGN KEY (chat_session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createStates); err != nil {
		return err
	}
	return nil
}

// CreateChatSession inserts a new session owned by userID.
func CreateChatSession(userID, title string) (*ChatSession, error) {
	if db == nil {
		return nil, fmt.Errorf("db is not initialized")
	}
	if title == "" {
		title = "New Chat"
	}
	s := &ChatSession{ID: uuid.NewString(), UserID: userID, Title: title}
	if _, err := db.Exec("INSERT INTO chat_sessions (id, user_id, title) VALUES (?, ?, ?)", s.ID, s.UserID, s.Title); err != nil {
		return nil, err
	}
	row := db.QueryRow("SELECT created_at, updated_at FROM chat_sessions WHERE id = ?", s.ID)
	_ = row.Scan(&s.CreatedAt, &s.UpdatedAt)
	return s, nil
}

// GetChatSession returns the session or nil when it does not exist.
func GetChatSession(id string) *ChatSession {
	if db == nil {
		return nil
	}
	row := db.QueryRow("SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ? LIMIT 1", id)
	var s ChatSession
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil
	}
	return &s
}

// ListChatSessions returns the user's sessions, most recently touched first.
func ListChatSessions(userID string) []ChatSession {
	if db == nil {
		return nil
	}
	rows, err := db.Query("SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		log.Printf("ERROR ListChatSessions: %v", err)
		return nil
	}
	defer rows.Close()
	var out []ChatSession
	for rows.Next() {
		var s ChatSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// DeleteChatSession removes the session; messages and state follow by FK cascade.
func DeleteChatSession(id string) error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	_, err := db.Exec("DELETE FROM chat_sessions WHERE id = ?", id)
	return err
}

// AppendMessage stores one message and touches the session timestamp.
func AppendMessage(sessionID, role, content string, payload []byte) (*Message, error) {
	if db == nil {
		return nil, fmt.Errorf("db is not initialized")
	}
	var payloadArg any
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	res, err := db.Exec("INSERT INTO messages (chat_session_id, role, content, json_payload) VALUES (?, ?, ?, ?)", sessionID, role, content, payloadArg)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	_, _ = db.Exec("UPDATE chat_sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", sessionID)
	return &Message{ID: id, ChatSessionID: sessionID, Role: role, Content: content, JSONPayload: payload, CreatedAt: time.Now()}, nil
}

// ListMessages returns the session transcript oldest first.
func ListMessages(sessionID string) []Message {
	if db == nil {
		return nil
	}
	rows, err := db.Query("SELECT id, chat_session_id, role, content, IFNULL(json_payload,''), created_at FROM messages WHERE chat_session_id = ? ORDER BY created_at ASC, id ASC", sessionID)
	if err != nil {
		log.Printf("ERROR ListMessages: %v", err)
		return nil
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var payload string
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.Role, &m.Content, &payload, &m.CreatedAt); err != nil {
			continue
		}
		if payload != "" {
			m.JSONPayload = []byte(payload)
		}
		out = append(out, m)
	}
	return out
}

// RecentUserMessages returns up to limit user-authored texts, newest first.
func RecentUserMessages(sessionID string, limit int) []string {
	if db == nil {
		return nil
	}
	rows, err := db.Query("SELECT content FROM messages WHERE chat_session_id = ? AND role = 'user' ORDER BY created_at DESC, id DESC LIMIT ?", sessionID, limit)
	if err != nil {
		log.Printf("ERROR RecentUserMessages: %v", err)
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// AssistantPayloads returns non-empty assistant message payloads newest
// first. Kept for sessions persisted before the session_states table.
func AssistantPayloads(sessionID string) [][]byte {
	if db == nil {
		return nil
	}
	rows, err := db.Query("SELECT IFNULL(json_payload,'') FROM messages WHERE chat_session_id = ? AND role = 'assistant' ORDER BY created_at DESC, id DESC", sessionID)
	if err != nil {
		log.Printf("ERROR AssistantPayloads: %v", err)
		return nil
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil || s == "" {
			continue
		}
		out = append(out, []byte(s))
	}
	return out
}

// GetSessionState returns the keyed state row for a session.
func GetSessionState(sessionID string) (kind string, payload []byte, ok bool) {
	if db == nil {
		return "", nil, false
	}
	row := db.QueryRow("SELECT kind, payload FROM session_states WHERE chat_session_id = ? LIMIT 1", sessionID)
	var p string
	if err := row.Scan(&kind, &p); err != nil {
		return "", nil, false
	}
	return kind, []byte(p), true
}

// UpsertSessionState replaces the session's state row. Last write wins;
// version is bumped on every write so a future compare-and-swap only
// needs a WHERE clause.
func UpsertSessionState(sessionID, kind string, payload []byte) error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	_, err := db.Exec(`INSERT INTO session_states (chat_session_id, kind, payload, version) VALUES (?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE kind = VALUES(kind), payload = VALUES(payload), version = version + 1`, sessionID, kind, string(payload))
	return err
}
