// Package store keeps local app state in SQLite: the contact list and a log
// of completed sessions used for level calculation.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Schema is the SQL schema for the local database.
const Schema = `
CREATE TABLE IF NOT EXISTS contacts (
    pubkey     TEXT PRIMARY KEY,
    added_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    duration_min INTEGER NOT NULL,
    completed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_completed ON sessions(completed_at);
`

var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed local state
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddContact inserts pubkey; it reports false if it was already present.
func (s *Store) AddContact(pubkey string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO contacts (pubkey, added_at) VALUES (?, ?)`,
		pubkey, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveContact deletes pubkey, returning ErrNotFound if it was absent.
func (s *Store) RemoveContact(pubkey string) error {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasContact reports whether pubkey is a contact.
func (s *Store) HasContact(pubkey string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM contacts WHERE pubkey = ?`, pubkey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query contact: %w", err)
	}
	return true, nil
}

// Contacts returns every contact pubkey in the order they were added.
func (s *Store) Contacts() ([]string, error) {
	rows, err := s.db.Query(`SELECT pubkey FROM contacts ORDER BY added_at, pubkey`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// RecordSession logs a completed session. Recording the same id twice is a
// no-op.
func (s *Store) RecordSession(id string, durationMin int, completedAt int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, duration_min, completed_at) VALUES (?, ?, ?)`,
		id, durationMin, completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionCountSince returns how many sessions completed at or after since.
func (s *Store) SessionCountSince(since int64) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE completed_at >= ?`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
