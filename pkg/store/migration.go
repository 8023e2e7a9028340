package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 creates vault_meta and notes.
	SchemaVersion1 = 1
	// SchemaVersion2 indexes notes by updated_at.
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// getSchemaVersion returns the stored schema version, or 0 for an empty database.
func getSchemaVersion(ctx context.Context, db dbtx) (int, error) {
	var tableName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, tx dbtx, version int) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema brings the database to CurrentSchemaVersion. Each step runs
// in its own transaction and is idempotent.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	version, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}

	steps := []struct {
		version int
		apply   func(ctx context.Context, tx dbtx) error
	}{
		{SchemaVersion1, migrateToV1},
		{SchemaVersion2, migrateToV2},
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		err := withTx(ctx, db, func(ctx context.Context, tx dbtx) error {
			if err := step.apply(ctx, tx); err != nil {
				return err
			}
			return setSchemaVersion(ctx, tx, step.version)
		})
		if err != nil {
			return fmt.Errorf("store: migration to v%d failed: %w", step.version, err)
		}
	}
	return nil
}

func migrateToV1(ctx context.Context, tx dbtx) error {
	// vault_meta: salt (public) and verifier (encrypted), hex strings.
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create vault_meta table: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			iv TEXT NOT NULL,
			data TEXT NOT NULL,
			auth_tag TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create notes table: %w", err)
	}
	return nil
}

func migrateToV2(ctx context.Context, tx dbtx) error {
	_, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes(updated_at)")
	if err != nil {
		return fmt.Errorf("failed to create updated_at index: %w", err)
	}
	return nil
}
