// Package facts provides long-term memory for the assistant: small
// pieces of learned information retrieved into the system prompt.
package facts

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Category groups related facts.
type Category string

const (
	CategoryUser       Category = "user"       // Who the user is
	CategoryPreference Category = "preference" // How the user likes things
	CategoryPlace      Category = "place"      // Locations that matter
	CategoryRoutine    Category = "routine"    // Observed patterns
	CategoryNote       Category = "note"       // Ingested from the notes directory
)

// Fact is one piece of long-term memory.
type Fact struct {
	ID         uuid.UUID `json:"id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"` // Unique within category
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"` // Where we learned this
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	AccessedAt time.Time `json:"accessed_at"` // For recency-weighted retrieval
}

// Store manages fact persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a fact store using the given database path.
// Use ":memory:" for an ephemeral store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; keeps in-memory databases on a single connection too.
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
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT,
			confidence REAL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			accessed_at TEXT NOT NULL,
			UNIQUE(category, key)
		);

		CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);
		CREATE INDEX IF NOT EXISTS idx_facts_accessed ON facts(accessed_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set creates or updates a fact, keyed by (category, key).
func (s *Store) Set(category Category, key, value, source string, confidence float64) (*Fact, error) {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO facts (id, category, key, value, source, confidence, created_at, updated_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at,
			accessed_at = excluded.accessed_at
	`, id.String(), category, key, value, source, confidence,
		now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}

	return s.Get(category, key)
}

// Get retrieves a fact and touches its accessed_at timestamp.
func (s *Store) Get(category Category, key string) (*Fact, error) {
	fact, err := scanFact(s.db.QueryRow(`
		SELECT id, category, key, value, source, confidence, created_at, updated_at, accessed_at
		FROM facts WHERE category = ? AND key = ?
	`, category, key))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, _ = s.db.Exec(`UPDATE facts SET accessed_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), fact.ID.String())
	fact.AccessedAt = now
	return fact, nil
}

// Delete removes a fact.
func (s *Store) Delete(category Category, key string) error {
	result, err := s.db.Exec(`DELETE FROM facts WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("fact not found: %s/%s", category, key)
	}
	return nil
}

// DeleteBySource removes every fact learned from the given source.
// Used by the notes ingester for clean re-imports.
func (s *Store) DeleteBySource(source string) error {
	_, err := s.db.Exec(`DELETE FROM facts WHERE source = ?`, source)
	return err
}

// GetForPrompt returns up to limit facts for unconditional prompt
// injection, ranked by confidence then recency of access.
func (s *Store) GetForPrompt(limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryFacts(`
		SELECT id, category, key, value, source, confidence, created_at, updated_at, accessed_at
		FROM facts
		ORDER BY confidence DESC, accessed_at DESC
		LIMIT ?
	`, limit)
}

// GetRelevantForConversation returns facts whose key or value mentions
// any of the topic words, ranked by confidence then recency. Topics
// shorter than 3 characters are skipped to avoid matching everything.
func (s *Store) GetRelevantForConversation(topics []string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 5
	}

	var conds []string
	var args []any
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if len(topic) < 3 {
			continue
		}
		pattern := "%" + topic + "%"
		conds = append(conds, "(key LIKE ? OR value LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	args = append(args, limit)

	return s.queryFacts(`
		SELECT id, category, key, value, source, confidence, created_at, updated_at, accessed_at
		FROM facts
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY confidence DESC, accessed_at DESC
		LIMIT ?
	`, args...)
}

// GetByCategory retrieves all facts in a category, ordered by key.
func (s *Store) GetByCategory(category Category) ([]*Fact, error) {
	return s.queryFacts(`
		SELECT id, category, key, value, source, confidence, created_at, updated_at, accessed_at
		FROM facts WHERE category = ? ORDER BY key
	`, category)
}

// Count returns the total number of stored facts.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

func (s *Store) queryFacts(query string, args ...any) ([]*Fact, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		fact, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFact(row *sql.Row) (*Fact, error)      { return scanInto(row) }
func scanFactRow(rows *sql.Rows) (*Fact, error) { return scanInto(rows) }

func scanInto(row scannable) (*Fact, error) {
	var f Fact
	var idStr, catStr, createdStr, updatedStr, accessedStr string
	var source sql.NullString

	err := row.Scan(&idStr, &catStr, &f.Key, &f.Value, &source, &f.Confidence, &createdStr, &updatedStr, &accessedStr)
	if err != nil {
		return nil, err
	}

	f.ID, _ = uuid.Parse(idStr)
	f.Category = Category(catStr)
	if source.Valid {
		f.Source = source.String
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	f.AccessedAt, _ = time.Parse(time.RFC3339, accessedStr)
	return &f, nil
}
