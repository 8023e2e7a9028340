package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blacknote")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o700))
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func TestAllow(t *testing.T) {
	assert.NoError(t, Allow.Verify(context.Background()))
}

func TestGateFunc(t *testing.T) {
	boom := errors.New("boom")
	g := GateFunc(func(context.Context) error { return boom })
	assert.ErrorIs(t, g.Verify(context.Background()), boom)
}

func TestHashFile(t *testing.T) {
	path, want := writeExecutable(t, "binary contents")

	got, err := HashFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestHashFileCanceled(t *testing.T) {
	path, _ := writeExecutable(t, "binary contents")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := HashFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutableGate(t *testing.T) {
	path, sum := writeExecutable(t, "binary contents")

	tests := []struct {
		name     string
		expected string
		wantErr  error
	}{
		{"no expectation", "", nil},
		{"match", sum, nil},
		{"match uppercase", strings.ToUpper(sum), nil},
		{"mismatch", strings.Repeat("0", 64), ErrHashMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &ExecutableGate{Path: path, ExpectedSHA256: tt.expected}
			err := g.Verify(context.Background())
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestExecutableGateUnreadable(t *testing.T) {
	g := &ExecutableGate{Path: filepath.Join(t.TempDir(), "missing")}
	assert.ErrorIs(t, g.Verify(context.Background()), ErrUnreadable)
}

func TestExecutableGateDefaultsToRunningBinary(t *testing.T) {
	g := &ExecutableGate{}
	assert.NoError(t, g.Verify(context.Background()))
}
