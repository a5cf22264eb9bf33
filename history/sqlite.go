package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id         TEXT PRIMARY KEY,
	image      BLOB NOT NULL,
	prompt     TEXT NOT NULL,
	settings   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
`

// SQLiteStore keeps entries in a SQLite database. The path can be ":memory:".
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// NewSQLiteStore opens the database at path and creates the table.
func NewSQLiteStore(path string, limit int) (*SQLiteStore, error) {
	limit = clampLimit(limit)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}
	return &SQLiteStore{db: db, limit: limit}, nil
}

// Add inserts e and deletes everything past the newest limit entries.
func (s *SQLiteStore) Add(e Entry) (Entry, error) {
	e = prepare(e)
	settings, err := json.Marshal(e.Settings)
	if err != nil {
		return Entry{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO history (id, image, prompt, settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Image, e.Prompt, string(settings), e.Timestamp.UnixNano(),
	); err != nil {
		return Entry{}, fmt.Errorf("failed to insert history entry: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM history WHERE id NOT IN (
			SELECT id FROM history ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, s.limit); err != nil {
		return Entry{}, fmt.Errorf("failed to trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("failed to commit history entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, image, prompt, settings, created_at FROM history ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		s.limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			settings string
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Image, &e.Prompt, &settings, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
			return nil, fmt.Errorf("history entry %s: %w", e.ID, err)
		}
		e.Timestamp = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
