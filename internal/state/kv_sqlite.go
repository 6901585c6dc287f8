package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV stores values in a single SQLite table using modernc.org/sqlite.
type SQLiteKV struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteKV opens (or creates) the database at path. Parent directories
// are created if needed.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	logger := slog.Default().With("component", "kv")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return &SQLiteKV{db: db, logger: logger}, nil
}

func (s *SQLiteKV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteKV) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
