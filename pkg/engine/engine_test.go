package engine

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacknote-ops/blacknote/pkg/crypto"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeyLength)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func holdingEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.UnlockKey(randomKey(t)))
	t.Cleanup(e.Lock)
	return e
}

// flipBit flips the lowest bit of byte i of a hex string.
func flipBit(t *testing.T, h string, i int) string {
	t.Helper()
	b, err := hex.DecodeString(h)
	require.NoError(t, err)
	b[i] ^= 0x01
	return hex.EncodeToString(b)
}

func TestUnlockWipesSourceKey(t *testing.T) {
	e := New()
	key := randomKey(t)

	require.NoError(t, e.UnlockKey(key))
	defer e.Lock()

	assert.True(t, e.IsHolding())
	assert.Equal(t, make([]byte, crypto.KeyLength), key)
}

func TestUnlockRejectsBadKeyLength(t *testing.T) {
	e := New()
	err := e.UnlockKey(make([]byte, 16))
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)
	assert.False(t, e.IsHolding())
}

func TestRoundTrip(t *testing.T) {
	e := holdingEngine(t)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"object", map[string]any{"text": "hello"}, map[string]any{"text": "hello"}},
		{"struct", struct {
			Text string `json:"text"`
		}{"hi"}, map[string]any{"text": "hi"}},
		{"nested", map[string]any{"tags": []any{"a", "b"}, "n": 2.0}, map[string]any{"tags": []any{"a", "b"}, "n": 2.0}},
		{"bytes", []byte("raw bytes"), "raw bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := e.Encrypt(tt.in)
			require.NoError(t, err)

			got, err := e.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncryptOutputShape(t *testing.T) {
	e := holdingEngine(t)

	sealed, err := e.Encrypt("hello")
	require.NoError(t, err)

	assert.Len(t, sealed.IV, crypto.NonceLength*2)
	assert.Len(t, sealed.Tag, crypto.TagLength*2)
	assert.Len(t, sealed.Ciphertext, len("hello")*2)
	assert.Regexp(t, `^[0-9a-f]+$`, sealed.IV+sealed.Ciphertext+sealed.Tag)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	e := holdingEngine(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		sealed, err := e.Encrypt("same plaintext")
		require.NoError(t, err)
		require.False(t, seen[sealed.IV], "nonce reused on iteration %d", i)
		seen[sealed.IV] = true
	}
}

func TestTamperingIsDetected(t *testing.T) {
	e := holdingEngine(t)

	sealed, err := e.Encrypt(map[string]any{"text": "hello"})
	require.NoError(t, err)

	ctLen := len(sealed.Ciphertext) / 2
	for i := 0; i < ctLen; i++ {
		s := sealed
		s.Ciphertext = flipBit(t, sealed.Ciphertext, i)
		_, err := e.Decrypt(s)
		assert.ErrorIs(t, err, ErrAuthenticationFailure, "ciphertext byte %d", i)
	}
	for i := 0; i < crypto.TagLength; i++ {
		s := sealed
		s.Tag = flipBit(t, sealed.Tag, i)
		_, err := e.Decrypt(s)
		assert.ErrorIs(t, err, ErrAuthenticationFailure, "tag byte %d", i)
	}

	s := sealed
	s.IV = flipBit(t, sealed.IV, 0)
	_, err = e.Decrypt(s)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	a := holdingEngine(t)
	b := holdingEngine(t)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestTruncatedTagFailsAuthentication(t *testing.T) {
	e := holdingEngine(t)
	sealed, err := e.Encrypt("secret")
	require.NoError(t, err)

	sealed.Tag = sealed.Tag[:len(sealed.Tag)-2]
	_, err = e.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestMalformedSealed(t *testing.T) {
	e := holdingEngine(t)
	good, err := e.Encrypt("secret")
	require.NoError(t, err)

	tests := map[string]Sealed{
		"iv not hex":   {IV: "zz", Ciphertext: good.Ciphertext, Tag: good.Tag},
		"iv too short": {IV: good.IV[:8], Ciphertext: good.Ciphertext, Tag: good.Tag},
		"data not hex": {IV: good.IV, Ciphertext: "xyz", Tag: good.Tag},
		"tag not hex":  {IV: good.IV, Ciphertext: good.Ciphertext, Tag: "q"},
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.Decrypt(s)
			assert.ErrorIs(t, err, ErrMalformedSealed)
		})
	}
}

func TestLockedEngine(t *testing.T) {
	e := holdingEngine(t)
	sealed, err := e.Encrypt("secret")
	require.NoError(t, err)

	e.Lock()
	assert.False(t, e.IsHolding())

	_, err = e.Encrypt("more")
	assert.ErrorIs(t, err, ErrVaultLocked)
	_, err = e.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrVaultLocked)
	_, err = e.SubKey("audit")
	assert.ErrorIs(t, err, ErrVaultLocked)

	// Idempotent
	e.Lock()
	assert.False(t, New().IsHolding())
}

func TestLockWinsOverLateUnlock(t *testing.T) {
	e := New()
	ticket := e.Begin()

	// Lock arrives while the derivation is in flight
	e.Lock()

	key := randomKey(t)
	err := e.Unlock(ticket, key)
	assert.ErrorIs(t, err, ErrUnlockSuperseded)
	assert.False(t, e.IsHolding())
	assert.Equal(t, make([]byte, crypto.KeyLength), key, "late key must be wiped")

	// A fresh ticket works
	require.NoError(t, e.Unlock(e.Begin(), randomKey(t)))
	assert.True(t, e.IsHolding())
	e.Lock()
}

func TestUnlockConsumesTicket(t *testing.T) {
	e := New()
	ticket := e.Begin()
	require.NoError(t, e.Unlock(ticket, randomKey(t)))
	defer e.Lock()

	err := e.Unlock(ticket, randomKey(t))
	assert.ErrorIs(t, err, ErrUnlockSuperseded)
}

func TestSubKey(t *testing.T) {
	e := holdingEngine(t)

	a, err := e.SubKey("audit-log-v1")
	require.NoError(t, err)
	b, err := e.SubKey("audit-log-v1")
	require.NoError(t, err)
	c, err := e.SubKey("other")
	require.NoError(t, err)

	assert.Len(t, a, crypto.KeyLength)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestConcurrentUseWithLock(t *testing.T) {
	e := holdingEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sealed, err := e.Encrypt("payload")
				if err != nil {
					assert.ErrorIs(t, err, ErrVaultLocked)
					continue
				}
				if _, err := e.Decrypt(sealed); err != nil {
					assert.ErrorIs(t, err, ErrVaultLocked)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Lock()
	}()
	wg.Wait()

	assert.False(t, e.IsHolding())
}
