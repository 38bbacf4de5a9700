// Package sessionstore persists map session snapshots using SQLite.
package sessionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/selection"
)

// Record is the persisted state of one session: its last viewport, its
// selection and the resolution it was using.
type Record struct {
	ID         string              `json:"session_id"`
	Viewport   projection.Viewport `json:"viewport"`
	Selection  selection.Set       `json:"selection"`
	Resolution int                 `json:"resolution"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Store provides persistent storage for sessions using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based session store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		viewport_json TEXT NOT NULL,
		selection_json TEXT NOT NULL DEFAULT '[]',
		resolution INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces a session record. UpdatedAt is set to now.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewportJSON, err := json.Marshal(rec.Viewport)
	if err != nil {
		return fmt.Errorf("failed to marshal viewport: %w", err)
	}
	selectionJSON, err := json.Marshal(rec.Selection)
	if err != nil {
		return fmt.Errorf("failed to marshal selection: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, viewport_json, selection_json, resolution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			viewport_json = excluded.viewport_json,
			selection_json = excluded.selection_json,
			resolution = excluded.resolution,
			updated_at = excluded.updated_at
	`,
		rec.ID,
		string(viewportJSON),
		string(selectionJSON),
		rec.Resolution,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// Get retrieves a session by ID. It returns nil, nil if none exists.
func (s *Store) Get(id string) (*Record, error) {
	rows, err := s.db.Query(`
		SELECT session_id, viewport_json, selection_json, resolution, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT session_id, viewport_json, selection_json, resolution, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", id)
	return err
}

// DeleteExpired removes sessions not updated within retentionDays.
func (s *Store) DeleteExpired(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		var rec Record
		var viewportJSON, selectionJSON string
		var createdAtStr, updatedAtStr string

		err := rows.Scan(
			&rec.ID,
			&viewportJSON,
			&selectionJSON,
			&rec.Resolution,
			&createdAtStr,
			&updatedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(viewportJSON), &rec.Viewport); err != nil {
			return nil, fmt.Errorf("failed to unmarshal viewport: %w", err)
		}
		if err := json.Unmarshal([]byte(selectionJSON), &rec.Selection); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selection: %w", err)
		}

		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)

		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
