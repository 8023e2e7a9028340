// Package audit provides an append-only vault audit log with an HMAC chain
// for tamper detection.
//
// The chain key is a sub-key of the vault master key, so events can only be
// written or verified while the vault is unlocked.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyInfo is the HKDF info label used to derive the chain key from the
// master key.
const KeyInfo = "audit-log-v1"

// MinAuditDiskSpace is the free space required before an event is written.
const MinAuditDiskSpace = 1024 * 1024

const (
	genesis       = "genesis"
	chainMetaFile = "audit.meta"
	schemaVersion = 1
)

// Operation types
const (
	OpVaultCreate = "vault.create"
	OpVaultOpen   = "vault.open"
	OpVaultLock   = "vault.lock"
	OpVaultPanic  = "vault.panic"
	OpRecordSave  = "record.save"
	OpRecordLoad  = "record.load"
	OpRecordList  = "record.list"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
	SourceLib = "lib"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Errors
var (
	ErrKeyNotSet      = errors.New("audit: chain key not set")
	ErrInvalidKey     = errors.New("audit: chain key must be 32 bytes")
	ErrDiskSpaceLow   = errors.New("audit: insufficient disk space")
	ErrMalformedEvent = errors.New("audit: malformed event")
)

// Event is a single audit log line.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"` // UUIDv7, time ordered
	Timestamp string `json:"ts"` // RFC 3339, nanoseconds, UTC
	Operation string `json:"op"`
	// Record is the HMAC of the record id, never the id itself.
	Record    string         `json:"record,omitempty"`
	Source    string         `json:"source"`
	SessionID string         `json:"session"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"ctx,omitempty"`
	Chain     Chain          `json:"chain"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted next to the log so the chain continues across runs.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger writes chained events to monthly JSONL files under one directory.
type Logger struct {
	path      string
	source    string
	sessionID string
	now       func() time.Time

	mu       sync.Mutex
	key      []byte
	sequence int64
	prevHash string
}

// NewLogger creates a logger writing to dir. source tags every event.
func NewLogger(dir, source string) *Logger {
	if source == "" {
		source = SourceLib
	}
	return &Logger{
		path:      dir,
		source:    source,
		sessionID: uuid.NewString(),
		now:       time.Now,
		prevHash:  genesis,
	}
}

// Path returns the audit log directory.
func (l *Logger) Path() string {
	return l.path
}

// SessionID returns the identifier shared by every event of this logger.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// SetKey installs the chain key (copied) and loads the persisted chain state.
func (l *Logger) SetKey(key []byte) error {
	if len(key) != sha256.Size {
		return ErrInvalidKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.wipeKey()
	l.key = append([]byte(nil), key...)

	if err := l.loadChainState(); err != nil {
		// First run, or unreadable state; Verify reports any resulting gap.
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// ClearKey wipes the chain key. Subsequent Log calls fail with ErrKeyNotSet.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wipeKey()
}

// HasKey reports whether a chain key is installed.
func (l *Logger) HasKey() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key != nil
}

func (l *Logger) wipeKey() {
	for i := range l.key {
		l.key[i] = 0
	}
	l.key = nil
}

// Log appends one event to the chain. recordID may be empty.
func (l *Logger) Log(op, recordID, result string, cause error, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		return ErrKeyNotSet
	}

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   schemaVersion,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    l.source,
		SessionID: l.sessionID,
		Result:    result,
		Context:   ctx,
	}
	if recordID != "" {
		event.Record = l.mac([]byte(recordID))
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.mac(canonical(&event))

	if err := l.writeEvent(&event, now); err != nil {
		return err
	}

	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, recordID string) error {
	return l.Log(op, recordID, ResultSuccess, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, recordID string, cause error) error {
	return l.Log(op, recordID, ResultError, cause, nil)
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.key)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// canonical returns the bytes covered by an event's HMAC: every field except
// the HMAC itself, with context keys sorted.
func canonical(e *Event) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s|%s|%s|",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Record,
		e.Source, e.SessionID, e.Result, e.Error)

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, e.Context[k])
	}

	fmt.Fprintf(&b, "|%d|%s", e.Chain.Sequence, e.Chain.PrevHash)
	return b.Bytes()
}

func (l *Logger) writeEvent(event *Event, now time.Time) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, chainMetaFile))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, chainMetaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence numbers, back
// links and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		e := &events[i]
		result.RecordsTotal++
		ok := true

		if e.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at event %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at event %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.mac(canonical(e)))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at event %s: possible tampering", e.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}

	return result, nil
}

// ListEvents returns events newer than since (zero means all), keeping only
// the most recent limit events when limit > 0. It does not need the key.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll returns every event across the monthly files, oldest first.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedEvent, line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
