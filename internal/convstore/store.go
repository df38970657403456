// Package convstore persists conversation message lists so a
// conversation survives restarts. The orchestrator owns the in-memory
// list; the store is a write-behind mirror of it.
package convstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/concierge-agent/concierge/internal/llm"
)

// Store persists messages in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the conversation database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			tool_name TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(conversation, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, seq);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored message list for a conversation. The write
// is transactional: a crash mid-save never leaves a half-written
// conversation behind.
func (s *Store) Save(conversation string, msgs []llm.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation = ?`, conversation); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, conversation, seq, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			encoded, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(encoded)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := stmt.Exec(m.ID, conversation, i, m.Role, m.Content,
			toolCalls, nullable(m.ToolCallID), nullable(m.ToolName),
			created.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load returns the stored message list for a conversation, in order.
// A missing conversation yields an empty slice, not an error.
func (s *Store) Load(conversation string) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE conversation = ? ORDER BY seq
	`, conversation)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		var toolCalls, toolCallID, toolName sql.NullString
		var createdStr string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &toolName, &createdStr); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Conversations lists every stored conversation id.
func (s *Store) Conversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conversation FROM messages ORDER BY conversation`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
