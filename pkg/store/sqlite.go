package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	// FileMode is the permission of the database file (owner read/write only).
	FileMode = 0600
	// DirMode is the permission of the vault directory.
	DirMode = 0700
)

// SQLite is the Store implementation backed by a single SQLite file.
type SQLite struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates
// its schema to the current version.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// Single connection avoids "database is locked" between our own handles.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, FileMode); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
		}
	}

	if err := migrateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close releases the database handle. It is safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// handle returns the db or ErrClosed. Callers must hold s.mu (read).
func (s *SQLite) handle() (*sql.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

// PutMeta implements MetaStore.
func (s *SQLite) PutMeta(ctx context.Context, kv map[string]string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return withTx(ctx, db, func(ctx context.Context, tx dbtx) error {
		for _, k := range keys {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM vault_meta WHERE key = ?", k).Scan(&n); err != nil {
				return fmt.Errorf("store: failed to check metadata %q: %w", k, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", ErrMetaConflict, k)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO vault_meta (key, value) VALUES (?, ?)", k, kv[k]); err != nil {
				return fmt.Errorf("store: failed to write metadata %q: %w", k, err)
			}
		}
		return nil
	})
}

// GetMeta implements MetaStore.
func (s *SQLite) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM vault_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to read metadata %q: %w", key, err)
	}
	return value, nil
}

// UpsertRecord implements RecordStore.
func (s *SQLite) UpsertRecord(ctx context.Context, r Record) error {
	if r.ID == "" {
		return ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO notes (id, iv, data, auth_tag, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			iv = excluded.iv,
			data = excluded.data,
			auth_tag = excluded.auth_tag,
			updated_at = excluded.updated_at
	`, r.ID, r.IV, r.Data, r.AuthTag, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to save record: %w", err)
	}
	return nil
}

// GetRecord implements RecordStore.
func (s *SQLite) GetRecord(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return Record{}, err
	}

	r := Record{ID: id}
	err = db.QueryRowContext(ctx,
		"SELECT iv, data, auth_tag, updated_at FROM notes WHERE id = ?", id,
	).Scan(&r.IV, &r.Data, &r.AuthTag, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: failed to read record: %w", err)
	}
	return r, nil
}

// ListRecords implements RecordStore.
func (s *SQLite) ListRecords(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT id, iv, data, auth_tag, updated_at FROM notes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.IV, &r.Data, &r.AuthTag, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to list records: %w", err)
	}
	return records, nil
}

// CheckIntegrity runs SQLite's integrity check and verifies the required
// tables exist.
func (s *SQLite) CheckIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: integrity check returned: %s", result)
	}

	for _, table := range []string{"vault_meta", "notes"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			return fmt.Errorf("store: required table not found: %s", table)
		}
	}
	return nil
}
