// Package store persists the last published anchor configuration in SQLite
// so that a restarted daemon resumes with the same anchors. Position
// estimates are never stored.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/beacontrack/beacontrack/pkg"
)

// Store manages the configuration database
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the configuration table
func (s *Store) initializeSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS anchor_config (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		session_id TEXT NOT NULL,
		path_loss_exponent REAL NOT NULL,
		anchors TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		saved_at DATETIME NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save replaces the stored configuration with session
func (s *Store) Save(ctx context.Context, session pkg.Session) error {
	anchors, err := json.Marshal(session.Anchors)
	if err != nil {
		return fmt.Errorf("failed to encode anchors: %w", err)
	}

	query := `
	INSERT INTO anchor_config (slot, session_id, path_loss_exponent, anchors, created_at, saved_at)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(slot) DO UPDATE SET
		session_id = excluded.session_id,
		path_loss_exponent = excluded.path_loss_exponent,
		anchors = excluded.anchors,
		created_at = excluded.created_at,
		saved_at = excluded.saved_at
	`
	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.PathLossExponent, string(anchors),
		session.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// Load returns the stored configuration. The bool is false when nothing has
// been saved yet.
func (s *Store) Load(ctx context.Context) (pkg.Session, bool, error) {
	var (
		session pkg.Session
		anchors string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, path_loss_exponent, anchors, created_at FROM anchor_config WHERE slot = 1`)
	err := row.Scan(&session.ID, &session.PathLossExponent, &anchors, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pkg.Session{}, false, nil
	}
	if err != nil {
		return pkg.Session{}, false, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := json.Unmarshal([]byte(anchors), &session.Anchors); err != nil {
		return pkg.Session{}, false, fmt.Errorf("stored anchors are corrupt: %w", err)
	}
	return session, true, nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
