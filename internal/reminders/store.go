// Package reminders handles one-shot reminder scheduling: the
// reminder tool creates them, the scheduler fires them through the
// notifier when due.
package reminders

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Reminder is a one-shot scheduled notification.
type Reminder struct {
	ID        string     `json:"id"` // UUIDv7
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	DueAt     time.Time  `json:"due_at"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Fired reports whether the reminder has already been delivered.
func (r *Reminder) Fired() bool { return r.FiredAt != nil }

// Store manages reminder persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the reminder database at dbPath.
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
		CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT,
			due_at TEXT NOT NULL,
			fired_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(due_at) WHERE fired_at IS NULL;
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a new reminder and returns it with its generated id.
func (s *Store) Create(title, body string, dueAt time.Time) (*Reminder, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	r := &Reminder{
		ID:        id.String(),
		Title:     title,
		Body:      body,
		DueAt:     dueAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO reminders (id, title, body, due_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Title, r.Body, r.DueAt.Format(time.RFC3339), r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return r, nil
}

// Get retrieves a reminder by id.
func (s *Store) Get(id string) (*Reminder, error) {
	return scanReminder(s.db.QueryRow(`
		SELECT id, title, body, due_at, fired_at, created_at
		FROM reminders WHERE id = ?
	`, id))
}

// Pending returns unfired reminders ordered by due time.
func (s *Store) Pending() ([]*Reminder, error) {
	return s.query(`
		SELECT id, title, body, due_at, fired_at, created_at
		FROM reminders WHERE fired_at IS NULL ORDER BY due_at
	`)
}

// MarkFired records delivery time for a reminder.
func (s *Store) MarkFired(id string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE reminders SET fired_at = ? WHERE id = ? AND fired_at IS NULL
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("reminder not found or already fired: %s", id)
	}
	return nil
}

// Cancel deletes an unfired reminder.
func (s *Store) Cancel(id string) error {
	result, err := s.db.Exec(`DELETE FROM reminders WHERE id = ? AND fired_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("reminder not found or already fired: %s", id)
	}
	return nil
}

func (s *Store) query(q string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		var r Reminder
		var dueStr, createdStr string
		var firedStr, body sql.NullString
		if err := rows.Scan(&r.ID, &r.Title, &body, &dueStr, &firedStr, &createdStr); err != nil {
			return nil, err
		}
		r.Body = body.String
		r.DueAt, _ = time.Parse(time.RFC3339, dueStr)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		if firedStr.Valid {
			t, _ := time.Parse(time.RFC3339, firedStr.String)
			r.FiredAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func scanReminder(row *sql.Row) (*Reminder, error) {
	var r Reminder
	var dueStr, createdStr string
	var firedStr, body sql.NullString
	if err := row.Scan(&r.ID, &r.Title, &body, &dueStr, &firedStr, &createdStr); err != nil {
		return nil, err
	}
	r.Body = body.String
	r.DueAt, _ = time.Parse(time.RFC3339, dueStr)
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	if firedStr.Valid {
		t, _ := time.Parse(time.RFC3339, firedStr.String)
		r.FiredAt = &t
	}
	return &r, nil
}
