// Package device derives a stable, pseudo-anonymous fingerprint for the
// current machine, OS user and platform. The fingerprint is mixed into key
// derivation so a vault copied to another machine or account cannot be opened.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
)

// separator joins the identity parts before hashing.
const separator = "|"

// hostnamePrefix marks a machine identifier that was derived from the hostname.
const hostnamePrefix = "fallback-machine-id-"

// ErrIdentityUnavailable is returned when no identity information can be
// established. It is fatal: callers must not continue with an empty fingerprint.
var ErrIdentityUnavailable = errors.New("device: identity could not be established")

// Identity is the raw material a fingerprint is computed from.
type Identity struct {
	MachineID string
	Username  string
	Platform  string

	// Degraded is set when MachineID is a hostname-derived substitute for
	// the persistent machine identifier.
	Degraded bool
}

// Source provides the identity of the executing environment.
type Source interface {
	Identity() (Identity, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() (Identity, error)

// Identity implements Source.
func (f SourceFunc) Identity() (Identity, error) { return f() }

// Static returns a Source that always reports id. Useful for tests and for
// simulating other devices.
func Static(id Identity) Source {
	return SourceFunc(func() (Identity, error) { return id, nil })
}

// Fingerprint is the hashed device identity.
type Fingerprint struct {
	// Value is the lowercase hex SHA-256 of the identity (64 characters).
	Value string
	// Degraded reports reduced device binding (hostname fallback).
	Degraded bool
}

// String returns the fingerprint value.
func (f Fingerprint) String() string { return f.Value }

// Compute hashes the identity reported by src into a Fingerprint.
func Compute(src Source) (Fingerprint, error) {
	id, err := src.Identity()
	if err != nil {
		return Fingerprint{}, err
	}
	return FromIdentity(id)
}

// FromIdentity hashes id. The same identity always yields the same value.
func FromIdentity(id Identity) (Fingerprint, error) {
	if id.MachineID == "" || id.Username == "" || id.Platform == "" {
		return Fingerprint{}, ErrIdentityUnavailable
	}

	raw := strings.Join([]string{id.MachineID, id.Username, id.Platform}, separator)
	sum := sha256.Sum256([]byte(raw))
	return Fingerprint{
		Value:    hex.EncodeToString(sum[:]),
		Degraded: id.Degraded,
	}, nil
}

// SystemSource reads the identity of the running machine.
type SystemSource struct {
	machineID   func() (string, error)
	hostname    func() (string, error)
	currentUser func() (string, error)
	platform    string
}

// NewSystemSource returns a Source backed by the operating system.
func NewSystemSource() *SystemSource {
	return &SystemSource{
		machineID:   readMachineID,
		hostname:    os.Hostname,
		currentUser: currentUsername,
		platform:    runtime.GOOS + "-" + runtime.GOARCH,
	}
}

// Identity implements Source.
func (s *SystemSource) Identity() (Identity, error) {
	id := Identity{Platform: s.platform}

	if mid, err := s.machineID(); err == nil && strings.TrimSpace(mid) != "" {
		id.MachineID = strings.TrimSpace(mid)
	} else if host, herr := s.hostname(); herr == nil && strings.TrimSpace(host) != "" {
		id.MachineID = hostnamePrefix + strings.TrimSpace(host)
		id.Degraded = true
	} else {
		return Identity{}, fmt.Errorf("%w: no machine id or hostname", ErrIdentityUnavailable)
	}

	name, err := s.currentUser()
	if err != nil || name == "" {
		return Identity{}, fmt.Errorf("%w: unknown OS user", ErrIdentityUnavailable)
	}
	id.Username = name

	return id, nil
}

func currentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	for _, env := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", errors.New("device: current user not found")
}
