// ABOUTME: SQLite implementation of the EventStore interface using modernc.org/sqlite
// ABOUTME: Opens the database, enables WAL for file-backed logs and creates the schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements EventStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ EventStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
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
		CREATE TABLE IF NOT EXISTS transfer_events (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			action      TEXT NOT NULL,
			device      TEXT NOT NULL DEFAULT '',
			detail_json TEXT,
			ts          TEXT NOT NULL,

			CHECK (action IN (
				'generated',
				'uploaded',
				'converted',
				'conversion_failed',
				'downloaded',
				'cleared',
				'removed',
				'denied'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_transfer_events_ts ON transfer_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_transfer_events_key ON transfer_events(session_key, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
