// Package store persists vault metadata and encrypted note rows.
//
// The store never sees plaintext or keys: metadata values are opaque strings
// and records carry only hex-encoded (iv, data, auth_tag) tuples.
package store

import (
	"context"
	"errors"
)

// Metadata keys written at vault creation.
const (
	MetaSalt         = "salt"
	MetaVerifierIV   = "verifier_iv"
	MetaVerifierData = "verifier_data"
	MetaVerifierTag  = "verifier_tag"
)

// Errors
var (
	ErrNotFound     = errors.New("store: not found")
	ErrMetaConflict = errors.New("store: metadata key already exists")
	ErrClosed       = errors.New("store: store is closed")
	ErrInvalidID    = errors.New("store: record id is required")
)

// Record is one encrypted note row.
type Record struct {
	ID        string
	IV        string
	Data      string
	AuthTag   string
	UpdatedAt int64 // Unix milliseconds
}

// MetaStore holds vault metadata as key/value strings.
type MetaStore interface {
	// PutMeta writes all pairs in one atomic unit. Existing keys are never
	// overwritten: if any key is present the whole write fails with
	// ErrMetaConflict and nothing is changed.
	PutMeta(ctx context.Context, kv map[string]string) error
	// GetMeta returns the value for key, or ErrNotFound.
	GetMeta(ctx context.Context, key string) (string, error)
}

// RecordStore holds encrypted records addressed by id.
type RecordStore interface {
	UpsertRecord(ctx context.Context, r Record) error
	// GetRecord returns the record for id, or ErrNotFound.
	GetRecord(ctx context.Context, id string) (Record, error)
	// ListRecords returns every record ordered by id.
	ListRecords(ctx context.Context) ([]Record, error)
}

// Store is the full persistence contract consumed by the vault.
type Store interface {
	MetaStore
	RecordStore
	Close() error
}
