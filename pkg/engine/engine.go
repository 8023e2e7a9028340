// Package engine holds the vault master key and performs authenticated
// encryption with it.
//
// The Engine is the only owner of the key. It has two states, empty and
// holding. Encrypt and Decrypt fail with ErrVaultLocked while empty. Lock
// destroys the key (wiped, then released) and always wins against an Unlock
// whose derivation started before the Lock.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/blacknote-ops/blacknote/pkg/crypto"
)

// Errors
var (
	ErrVaultLocked           = errors.New("engine: vault is locked")
	ErrAuthenticationFailure = errors.New("engine: authentication failed")
	ErrMalformedSealed       = errors.New("engine: malformed sealed value")
	ErrUnlockSuperseded      = errors.New("engine: unlock superseded by lock")
)

// Sealed is the output of Encrypt: nonce, ciphertext and GCM tag, each
// lowercase hex.
type Sealed struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"data"`
	Tag        string `json:"tag"`
}

// Ticket is taken before a key derivation starts and presented to Unlock
// when it finishes. A Lock in between invalidates it.
type Ticket struct {
	epoch uint64
}

// Engine is the in-memory custodian of the master key.
type Engine struct {
	mu    sync.RWMutex
	key   *memguard.LockedBuffer
	epoch uint64
}

// New returns an Engine in the empty state.
func New() *Engine {
	return &Engine{}
}

// Begin returns a ticket for a derivation that is about to start.
func (e *Engine) Begin() Ticket {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Ticket{epoch: e.epoch}
}

// Unlock moves key into guarded memory and switches to the holding state.
// key is wiped in every case. If Lock was called after t was issued the key
// is discarded and ErrUnlockSuperseded is returned.
func (e *Engine) Unlock(t Ticket, key []byte) error {
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return crypto.ErrInvalidKeyLength
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.epoch != e.epoch {
		crypto.SecureWipe(key)
		return ErrUnlockSuperseded
	}

	if e.key != nil {
		e.key.Destroy()
	}
	// NewBufferFromBytes copies into locked memory and wipes key.
	e.key = memguard.NewBufferFromBytes(key)
	e.epoch++
	return nil
}

// UnlockKey is Unlock with a fresh ticket.
func (e *Engine) UnlockKey(key []byte) error {
	return e.Unlock(e.Begin(), key)
}

// Lock wipes and releases the key. It is idempotent and invalidates every
// outstanding Ticket.
func (e *Engine) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.epoch++
	if e.key != nil {
		e.key.Destroy()
		e.key = nil
	}
}

// IsHolding reports whether a key is held.
func (e *Engine) IsHolding() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key != nil
}

// Encrypt seals v under the held key with a fresh random nonce. Strings and
// byte slices are encrypted as-is; any other value is encoded as JSON first.
func (e *Engine) Encrypt(v any) (Sealed, error) {
	plaintext, err := canonical(v)
	if err != nil {
		return Sealed{}, err
	}
	defer crypto.SecureWipe(plaintext)

	e.mu.RLock()
	if e.key == nil {
		e.mu.RUnlock()
		return Sealed{}, ErrVaultLocked
	}
	out, nonce, err := crypto.Encrypt(e.key.Bytes(), plaintext)
	e.mu.RUnlock()
	if err != nil {
		return Sealed{}, err
	}

	body, tag := out[:len(out)-crypto.TagLength], out[len(out)-crypto.TagLength:]
	return Sealed{
		IV:         hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(body),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Open verifies and decrypts s, returning the raw plaintext.
func (e *Engine) Open(s Sealed) ([]byte, error) {
	if !e.IsHolding() {
		return nil, ErrVaultLocked
	}

	nonce, body, tag, err := decodeSealed(s)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, ErrVaultLocked
	}

	plaintext, err := crypto.Decrypt(e.key.Bytes(), append(body, tag...), nonce)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) || errors.Is(err, crypto.ErrCiphertextTooShort) {
			return nil, ErrAuthenticationFailure
		}
		return nil, err
	}
	return plaintext, nil
}

// Decrypt verifies and decrypts s. A plaintext that parses as JSON is
// returned as the decoded value (map, slice, number...), anything else as a
// string. Callers must accept both shapes.
func (e *Engine) Decrypt(s Sealed) (any, error) {
	plaintext, err := e.Open(s)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(plaintext, &v); err == nil {
		return v, nil
	}
	return string(plaintext), nil
}

// SubKey derives a purpose-bound 32-byte key from the master key with
// HKDF-SHA256, so other components never see the master key itself.
func (e *Engine) SubKey(info string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, ErrVaultLocked
	}

	out := make([]byte, crypto.KeyLength)
	r := hkdf.New(sha256.New, e.key.Bytes(), nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("engine: failed to derive sub key: %w", err)
	}
	return out, nil
}

func canonical(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case json.RawMessage:
		return append([]byte(nil), x...), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to encode plaintext: %w", err)
		}
		return b, nil
	}
}

func decodeSealed(s Sealed) (nonce, body, tag []byte, err error) {
	if nonce, err = hex.DecodeString(s.IV); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv: %v", ErrMalformedSealed, err)
	}
	if len(nonce) != crypto.NonceLength {
		return nil, nil, nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformedSealed, crypto.NonceLength)
	}
	if body, err = hex.DecodeString(s.Ciphertext); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: data: %v", ErrMalformedSealed, err)
	}
	if tag, err = hex.DecodeString(s.Tag); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: tag: %v", ErrMalformedSealed, err)
	}
	// A truncated or extended tag can never verify.
	if len(tag) != crypto.TagLength {
		return nil, nil, nil, ErrAuthenticationFailure
	}
	return nonce, body, tag, nil
}
