// Package vault implements the device-bound note vault: creation, password
// verification, record encryption and the lock/panic lifecycle.
//
// A vault is a directory holding vault.db (salt, verifier and encrypted
// notes), the audit log and the failed-attempt state. The master key is
// derived from the password, the salt and the device fingerprint; it is
// never written anywhere and lives only inside the engine.
package vault

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/blacknote-ops/blacknote/pkg/audit"
	"github.com/blacknote-ops/blacknote/pkg/crypto"
	"github.com/blacknote-ops/blacknote/pkg/device"
	"github.com/blacknote-ops/blacknote/pkg/engine"
	"github.com/blacknote-ops/blacknote/pkg/integrity"
	"github.com/blacknote-ops/blacknote/pkg/store"
)

// Constants
const (
	DBFileName   = "vault.db"
	LockFileName = "vault.lock"
	AuditDirName = "audit"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// Failed open limits
	// 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024
	DiskWarningPercent = 90

	// Record limits
	MaxRecordIDLength = 256
	MaxContentSize    = 1024 * 1024
)

// verifierCheck is the sentinel stored (encrypted) at creation and compared on
// every open.
const verifierCheck = "VERIFIED"

type verifierPayload struct {
	Check string `json:"check"`
}

// Errors
var (
	ErrVaultAlreadyExists   = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrCorruptVault         = errors.New("vault: vault metadata is missing or corrupt")
	ErrRecordNotFound       = errors.New("vault: record not found")
	ErrCooldownActive       = errors.New("vault: cooldown period active")
	ErrIntegrityCheckFailed = errors.New("vault: integrity check failed")
	ErrOperationInProgress  = errors.New("vault: another create or open is in progress")
	ErrDegradedKDFRefused   = errors.New("vault: degraded key derivation is not allowed by configuration")
	ErrEmptyPassword        = errors.New("vault: password is required")
	ErrInvalidRecordID      = errors.New("vault: invalid record id")
	ErrContentTooLarge      = errors.New("vault: record content too large")
	ErrInsufficientDisk     = errors.New("vault: insufficient disk space")

	// ErrAccessDenied is the only failure Open reports for a wrong password
	// or a different device. The two cases are indistinguishable to callers.
	ErrAccessDenied = errors.New("access denied: invalid credentials or device mismatch")

	// ErrVaultLocked is returned by record operations when no key is held.
	ErrVaultLocked = engine.ErrVaultLocked
)

// Option configures a Vault.
type Option func(*Vault)

// WithEngine sets the key custodian. Hosts that share one engine across
// components pass it here.
func WithEngine(e *engine.Engine) Option {
	return func(v *Vault) { v.engine = e }
}

// WithStore replaces the SQLite store under the vault directory. The vault
// does not close an injected store on failure cleanup.
func WithStore(s store.Store) Option {
	return func(v *Vault) {
		v.store = s
		v.ownsStore = false
	}
}

// WithDeviceSource sets where the device identity comes from.
func WithDeviceSource(src device.Source) Option {
	return func(v *Vault) { v.device = src }
}

// WithKDFParams sets the key derivation strategy and cost.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(v *Vault) { v.params = p }
}

// WithAllowDegradedKDF permits the PBKDF2 strategy.
func WithAllowDegradedKDF(allow bool) Option {
	return func(v *Vault) { v.allowDegraded = allow }
}

// WithLogger sets the diagnostic logger. Secrets are never logged.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithGate sets the integrity gate consulted before Create and Open.
func WithGate(g integrity.Gate) Option {
	return func(v *Vault) { v.gate = g }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithAudit sets the audit logger. Pass nil to disable auditing.
func WithAudit(a *audit.Logger) Option {
	return func(v *Vault) {
		v.audit = a
		v.auditSet = true
	}
}

// WithOnPanic registers a hook run at the end of Panic, after the key is gone.
func WithOnPanic(fn func()) Option {
	return func(v *Vault) { v.onPanic = fn }
}

// Vault manages one vault directory.
type Vault struct {
	dir           string
	engine        *engine.Engine
	device        device.Source
	params        crypto.KDFParams
	allowDegraded bool
	log           zerolog.Logger
	gate          integrity.Gate
	now           func() time.Time
	audit         *audit.Logger
	auditSet      bool
	onPanic       func()

	// deriveKey is crypto.DeriveKey outside of tests.
	deriveKey func(password string, salt []byte, fingerprint string, p crypto.KDFParams) ([]byte, error)

	// inflight admits one Create or Open at a time.
	inflight *semaphore.Weighted

	mu          sync.RWMutex // guards store and fingerprint
	store       store.Store
	ownsStore   bool
	fingerprint *device.Fingerprint
}

// New returns a Vault for dir. Nothing is touched on disk until Create or Open.
func New(dir string, opts ...Option) *Vault {
	v := &Vault{
		dir:       dir,
		params:    crypto.DefaultKDFParams(),
		log:       zerolog.Nop(),
		gate:      integrity.Allow,
		now:       time.Now,
		deriveKey: crypto.DeriveKey,
		inflight:  semaphore.NewWeighted(1),
		ownsStore: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.engine == nil {
		v.engine = engine.New()
	}
	if v.device == nil {
		v.device = device.NewSystemSource()
	}
	if !v.auditSet {
		v.audit = audit.NewLogger(filepath.Join(dir, AuditDirName), audit.SourceLib)
	}
	return v
}

// Path returns the vault directory.
func (v *Vault) Path() string {
	return v.dir
}

// Engine returns the key custodian used by this vault.
func (v *Vault) Engine() *engine.Engine {
	return v.engine
}

// AuditLogger returns the audit logger, or nil when auditing is disabled.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// IsLocked reports whether no master key is held.
func (v *Vault) IsLocked() bool {
	return !v.engine.IsHolding()
}

// Exists reports whether a vault has been created here.
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	v.mu.RLock()
	st := v.store
	owns := v.ownsStore
	v.mu.RUnlock()

	if st != nil && !owns {
		_, err := st.GetMeta(ctx, store.MetaSalt)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	_, err := os.Stat(v.dbPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: failed to stat database: %w", err)
	}
	return true, nil
}

// Fingerprint returns this device's fingerprint, computing it on first use.
func (v *Vault) Fingerprint() (device.Fingerprint, error) {
	v.mu.RLock()
	if v.fingerprint != nil {
		fp := *v.fingerprint
		v.mu.RUnlock()
		return fp, nil
	}
	v.mu.RUnlock()

	fp, err := device.Compute(v.device)
	if err != nil {
		return device.Fingerprint{}, err
	}
	if fp.Degraded {
		v.log.Warn().Msg("device fingerprint is degraded: no persistent machine id, using hostname")
	}

	v.mu.Lock()
	v.fingerprint = &fp
	v.mu.Unlock()
	return fp, nil
}

// Create initialises a new vault protected by password and leaves it unlocked.
func (v *Vault) Create(ctx context.Context, password string) (err error) {
	if password == "" {
		return ErrEmptyPassword
	}
	if err := v.checkKDF(); err != nil {
		return err
	}

	f, err := v.beginFlight()
	if err != nil {
		return err
	}
	defer f.release()

	if err := v.verifyGate(ctx); err != nil {
		return err
	}

	exists, err := v.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return ErrVaultAlreadyExists
	}

	if err := os.MkdirAll(v.dir, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return err
	}

	fp, err := v.Fingerprint()
	if err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}

	ticket := v.engine.Begin()
	key, err := v.derive(ctx, f, password, salt, fp.Value)
	if err != nil {
		return err
	}
	if err := v.engine.Unlock(ticket, key); err != nil {
		return err
	}

	created, err := v.claimDatabase()
	if err != nil {
		v.engine.Lock()
		return err
	}

	// Anything failing from here on leaves no vault behind. Only a file this
	// call created is removed.
	defer func() {
		if err != nil {
			v.engine.Lock()
			if created {
				v.discardFailedCreate()
			}
		}
	}()

	verifier, err := v.engine.Encrypt(verifierPayload{Check: verifierCheck})
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt verifier: %w", err)
	}

	st, err := v.openStore(ctx)
	if err != nil {
		return err
	}

	err = st.PutMeta(ctx, map[string]string{
		store.MetaSalt:         hex.EncodeToString(salt),
		store.MetaVerifierIV:   verifier.IV,
		store.MetaVerifierData: verifier.Ciphertext,
		store.MetaVerifierTag:  verifier.Tag,
	})
	if errors.Is(err, store.ErrMetaConflict) {
		return ErrVaultAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("vault: failed to write metadata: %w", err)
	}

	v.startAudit()
	v.auditSuccess(audit.OpVaultCreate, "")
	v.log.Info().
		Str("path", v.dir).
		Str("kdf", v.params.Strategy.String()).
		Bool("degraded_device", fp.Degraded).
		Msg("vault created")
	return nil
}

// Open derives the key from password and this device, verifies it against the
// stored verifier and leaves the vault unlocked.
//
// A wrong password and a different device both yield ErrAccessDenied; the
// engine is empty afterwards.
func (v *Vault) Open(ctx context.Context, password string) error {
	if err := v.checkKDF(); err != nil {
		return err
	}

	f, err := v.beginFlight()
	if err != nil {
		return err
	}
	defer f.release()

	if err := v.verifyGate(ctx); err != nil {
		return err
	}

	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	exists, err := v.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrVaultNotFound
	}

	st, err := v.openStore(ctx)
	if err != nil {
		return err
	}

	salt, verifier, err := readMeta(ctx, st)
	if err != nil {
		return err
	}

	fp, err := v.Fingerprint()
	if err != nil {
		return err
	}

	ticket := v.engine.Begin()
	key, err := v.derive(ctx, f, password, salt, fp.Value)
	if err != nil {
		return err
	}
	if err := v.engine.Unlock(ticket, key); err != nil {
		return err
	}

	if err := v.acceptKey(verifier); err != nil {
		return err
	}

	if err := v.clearLockState(); err != nil {
		v.log.Warn().Err(err).Msg("failed to clear lock state")
	}
	v.startAudit()
	v.auditSuccess(audit.OpVaultOpen, "")
	v.checkAndWarnPermissions()
	v.log.Info().Str("path", v.dir).Msg("vault opened")
	return nil
}

// Lock wipes the master key. Records stay on disk; the store stays open.
func (v *Vault) Lock() {
	held := v.engine.IsHolding()
	v.engine.Lock()
	if held {
		v.auditSuccess(audit.OpVaultLock, "")
		v.log.Info().Msg("vault locked")
	}
	v.stopAudit()
}

// Panic zeroizes the key immediately and then runs the OnPanic hook. It never
// fails.
func (v *Vault) Panic() {
	v.engine.Lock()
	v.auditSuccess(audit.OpVaultPanic, "")
	v.stopAudit()
	v.log.Warn().Msg("panic: master key destroyed")

	if v.onPanic != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					v.log.Error().Interface("panic", r).Msg("panic hook failed")
				}
			}()
			v.onPanic()
		}()
	}
}

// Close locks the vault and releases the store.
func (v *Vault) Close() error {
	v.Lock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.store == nil || !v.ownsStore {
		return nil
	}
	err := v.store.Close()
	v.store = nil
	return err
}

func (v *Vault) dbPath() string {
	return filepath.Join(v.dir, DBFileName)
}

// openStore returns the store, opening the SQLite file on first use.
func (v *Vault) openStore(ctx context.Context) (store.Store, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.store != nil {
		return v.store, nil
	}
	st, err := store.OpenSQLite(ctx, v.dbPath())
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	v.store = st
	v.ownsStore = true
	return st, nil
}

// currentStore returns the open store or ErrVaultLocked.
func (v *Vault) currentStore() (store.Store, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.store == nil {
		return nil, ErrVaultLocked
	}
	return v.store, nil
}

// claimDatabase creates the database file exclusively, so of two racing
// creates only one proceeds. It reports false for an injected store.
func (v *Vault) claimDatabase() (bool, error) {
	v.mu.RLock()
	injected := v.store != nil && !v.ownsStore
	v.mu.RUnlock()
	if injected {
		return false, nil
	}

	f, err := os.OpenFile(v.dbPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if errors.Is(err, os.ErrExist) {
		return false, ErrVaultAlreadyExists
	}
	if err != nil {
		return false, fmt.Errorf("vault: failed to create database: %w", err)
	}
	return true, f.Close()
}

// discardFailedCreate removes a half-written vault.
func (v *Vault) discardFailedCreate() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.ownsStore {
		return
	}
	if v.store != nil {
		_ = v.store.Close()
		v.store = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(v.dbPath() + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			v.log.Warn().Err(err).Str("file", DBFileName+suffix).Msg("failed to remove partial vault file")
		}
	}
}

func (v *Vault) checkKDF() error {
	if err := v.params.Validate(); err != nil {
		return err
	}
	if !v.params.Degraded() {
		return nil
	}
	if !v.allowDegraded {
		return ErrDegradedKDFRefused
	}
	v.log.Warn().Err(crypto.ErrDerivationDegraded).Str("kdf", v.params.Strategy.String()).Msg("weak key derivation in use")
	return nil
}

func (v *Vault) verifyGate(ctx context.Context) error {
	if err := v.gate.Verify(ctx); err != nil {
		v.log.Error().Err(err).Msg("integrity gate rejected startup")
		return fmt.Errorf("%w: %v", ErrIntegrityCheckFailed, err)
	}
	return nil
}

// readMeta loads and decodes the salt and verifier.
func readMeta(ctx context.Context, st store.MetaStore) ([]byte, engine.Sealed, error) {
	get := func(key string) (string, error) {
		value, err := st.GetMeta(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s missing", ErrCorruptVault, key)
		}
		if err != nil {
			return "", fmt.Errorf("vault: failed to read %s: %w", key, err)
		}
		return value, nil
	}

	saltHex, err := get(store.MetaSalt)
	if err != nil {
		return nil, engine.Sealed{}, err
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) != crypto.SaltLength {
		return nil, engine.Sealed{}, fmt.Errorf("%w: salt is not %d hex bytes", ErrCorruptVault, crypto.SaltLength)
	}

	var verifier engine.Sealed
	if verifier.IV, err = get(store.MetaVerifierIV); err != nil {
		return nil, engine.Sealed{}, err
	}
	if verifier.Ciphertext, err = get(store.MetaVerifierData); err != nil {
		return nil, engine.Sealed{}, err
	}
	if verifier.Tag, err = get(store.MetaVerifierTag); err != nil {
		return nil, engine.Sealed{}, err
	}
	return salt, verifier, nil
}

// acceptKey checks the held key against verifier. A wrong key is wiped,
// counted as a failed attempt and reported as ErrAccessDenied. A Lock that
// landed after Unlock yields ErrVaultLocked and is not counted.
func (v *Vault) acceptKey(verifier engine.Sealed) error {
	cause := v.checkVerifier(verifier)
	if cause == nil {
		return nil
	}
	if errors.Is(cause, engine.ErrVaultLocked) {
		return ErrVaultLocked
	}
	v.engine.Lock()
	v.denied(cause)
	return ErrAccessDenied
}

// checkVerifier returns the internal reason the held key is wrong, or nil.
func (v *Vault) checkVerifier(verifier engine.Sealed) error {
	plaintext, err := v.engine.Open(verifier)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(plaintext)

	var payload verifierPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("verifier is not valid JSON: %w", err)
	}
	if payload.Check != verifierCheck {
		return errors.New("verifier sentinel mismatch")
	}
	return nil
}

// denied records a failed open. The cause stays in the diagnostic log.
func (v *Vault) denied(cause error) {
	cooldown, err := v.recordFailedAttempt()
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to record open attempt")
	}
	ev := v.log.Warn().Str("path", v.dir)
	if cooldown > 0 {
		ev = ev.Dur("cooldown", cooldown)
	}
	ev.Msg("open denied")
	v.log.Debug().Err(cause).Msg("open denied: cause")
}

func (v *Vault) startAudit() {
	if v.audit == nil {
		return
	}
	key, err := v.engine.SubKey(audit.KeyInfo)
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to derive audit key")
		return
	}
	defer crypto.SecureWipe(key)
	if err := v.audit.SetKey(key); err != nil {
		v.log.Warn().Err(err).Msg("failed to initialize audit log")
	}
}

func (v *Vault) stopAudit() {
	if v.audit != nil {
		v.audit.ClearKey()
	}
}

func (v *Vault) auditSuccess(op, recordID string) {
	if v.audit == nil || !v.audit.HasKey() {
		return
	}
	if err := v.audit.LogSuccess(op, recordID); err != nil {
		v.log.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}

func (v *Vault) auditError(op, recordID string, cause error) {
	if v.audit == nil || !v.audit.HasKey() {
		return
	}
	if err := v.audit.LogError(op, recordID, cause); err != nil {
		v.log.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}
