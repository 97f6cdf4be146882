package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteEngine = "sqlite"

// SQLiteBackend is the universal fallback: a single key/value table in one
// SQLite file shared by every configuration. It ignores the instance id and
// the encryption key, so it can always be constructed when the data
// directory is writable.
type SQLiteBackend struct {
	db     *sql.DB
	ready  atomic.Bool
	logger *logrus.Logger
}

// NewSQLiteBackend opens <dataDir>/kv/fallback.db.
func NewSQLiteBackend(opts Options) (Backend, error) {
	logger := opts.logger()
	dir := filepath.Join(opts.DataDir, "kv")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	dbPath := filepath.Join(dir, "fallback.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway and this avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteBackend{
		db:     db,
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize fallback schema: %w", err)
	}
	s.ready.Store(true)

	logger.WithField("path", dbPath).Info("SQLite fallback storage initialized")
	return s, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	) WITHOUT ROWID;
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetItem reads one row.
func (s *SQLiteBackend) GetItem(ctx context.Context, key string) (string, bool) {
	if !s.ready.Load() {
		return "", false
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to read key from SQLite")
		return "", false
	}
	return value, true
}

// SetItem upserts one row.
func (s *SQLiteBackend) SetItem(ctx context.Context, key, value string) error {
	if !s.ready.Load() {
		return backendErr(sqliteEngine, "set", key, ErrClosed)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to write key to SQLite")
		return backendErr(sqliteEngine, "set", key, err)
	}
	return nil
}

// RemoveItem deletes one row, if present.
func (s *SQLiteBackend) RemoveItem(ctx context.Context, key string) error {
	if !s.ready.Load() {
		return backendErr(sqliteEngine, "delete", key, ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to delete key from SQLite")
		return backendErr(sqliteEngine, "delete", key, err)
	}
	return nil
}

// Clear empties the table.
func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if !s.ready.Load() {
		return backendErr(sqliteEngine, "clear", "", ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		s.logger.WithError(err).Error("Failed to clear SQLite")
		return backendErr(sqliteEngine, "clear", "", err)
	}
	return nil
}

// GetAllKeys lists keys in byte order.
func (s *SQLiteBackend) GetAllKeys(ctx context.Context) []string {
	if !s.ready.Load() {
		return []string{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list SQLite keys")
		return []string{}
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			s.logger.WithError(err).Error("Failed to scan SQLite key")
			return []string{}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Error("Failed to list SQLite keys")
		return []string{}
	}
	return keys
}

// Kind implements Backend.
func (s *SQLiteBackend) Kind() string { return sqliteEngine }

// Close closes the database handle.
func (s *SQLiteBackend) Close() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	return s.db.Close()
}

// compile-time interface check
var _ Backend = (*SQLiteBackend)(nil)
