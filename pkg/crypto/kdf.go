package crypto

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// Argon2id parameters.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 1

	// PBKDF2Iterations is the iteration count of the PBKDF2-SHA512 strategy.
	PBKDF2Iterations = 100_000

	// entropySeparator joins password and device fingerprint before hashing.
	entropySeparator = "::"
)

// Strategy selects the password hashing function used by DeriveKey.
type Strategy int

const (
	// StrategyArgon2id is the memory-hard default.
	StrategyArgon2id Strategy = iota
	// StrategyPBKDF2 is PBKDF2-HMAC-SHA512. It is weaker than Argon2id and
	// only meant for deployments that explicitly opt into it.
	StrategyPBKDF2
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyArgon2id:
		return "argon2id"
	case StrategyPBKDF2:
		return "pbkdf2-sha512"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a configuration name into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "argon2id":
		return StrategyArgon2id, nil
	case "pbkdf2", "pbkdf2-sha512":
		return StrategyPBKDF2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Key derivation errors.
var (
	ErrInvalidSaltLength = errors.New("crypto: invalid salt length, must be 16 bytes")
	ErrEmptyFingerprint  = errors.New("crypto: device fingerprint is required")
	ErrUnknownStrategy   = errors.New("crypto: unknown key derivation strategy")
	ErrInvalidKDFParams  = errors.New("crypto: invalid key derivation parameters")

	// ErrDerivationDegraded is reported (as a warning, never returned from
	// DeriveKey) when the PBKDF2 strategy is in use.
	ErrDerivationDegraded = errors.New("crypto: key derivation running in degraded pbkdf2 mode")
)

// KDFParams configures DeriveKey.
type KDFParams struct {
	Strategy Strategy

	// Argon2id
	Time      uint32
	MemoryKiB uint32
	Threads   uint8

	// PBKDF2
	Iterations int
}

// DefaultKDFParams returns Argon2id with hash length 32, time cost 3,
// memory cost 64 MiB and parallelism 1.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Strategy:   StrategyArgon2id,
		Time:       Argon2Time,
		MemoryKiB:  Argon2Memory,
		Threads:    Argon2Threads,
		Iterations: PBKDF2Iterations,
	}
}

// PBKDF2Params returns the PBKDF2-SHA512 strategy with 100,000 iterations.
func PBKDF2Params() KDFParams {
	p := DefaultKDFParams()
	p.Strategy = StrategyPBKDF2
	return p
}

// Degraded reports whether the parameters select the weaker PBKDF2 strategy.
func (p KDFParams) Degraded() bool {
	return p.Strategy == StrategyPBKDF2
}

// Validate checks the parameters for the selected strategy.
func (p KDFParams) Validate() error {
	switch p.Strategy {
	case StrategyArgon2id:
		if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
			return fmt.Errorf("%w: argon2id time, memory and threads must be positive", ErrInvalidKDFParams)
		}
	case StrategyPBKDF2:
		if p.Iterations <= 0 {
			return fmt.Errorf("%w: pbkdf2 iterations must be positive", ErrInvalidKDFParams)
		}
	default:
		return ErrUnknownStrategy
	}
	return nil
}

// DeriveKey derives the 256-bit master key from a password, the vault salt and
// the device fingerprint.
//
// Password and fingerprint are combined as NFC(password) + "::" + fingerprint
// before hashing, so the key is bound to both the secret and the device.
// Derivation is deterministic: identical inputs always give the same key.
func DeriveKey(password string, salt []byte, fingerprint string, p KDFParams) ([]byte, error) {
	if len(salt) != SaltLength {
		return nil, ErrInvalidSaltLength
	}
	if fingerprint == "" {
		return nil, ErrEmptyFingerprint
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	entropy := bindEntropy(password, fingerprint)
	defer SecureWipe(entropy)

	switch p.Strategy {
	case StrategyPBKDF2:
		return pbkdf2.Key(entropy, salt, p.Iterations, KeyLength, sha512.New), nil
	default:
		return argon2.IDKey(entropy, salt, p.Time, p.MemoryKiB, p.Threads, KeyLength), nil
	}
}

func bindEntropy(password, fingerprint string) []byte {
	pw := norm.NFC.String(password)
	entropy := make([]byte, 0, len(pw)+len(entropySeparator)+len(fingerprint))
	entropy = append(entropy, pw...)
	entropy = append(entropy, entropySeparator...)
	entropy = append(entropy, fingerprint...)
	return entropy
}
