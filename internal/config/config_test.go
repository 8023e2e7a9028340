package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacknote-ops/blacknote/pkg/crypto"
)

func writeConfig(t *testing.T, dir, content string, mode os.FileMode) {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	want := Default()
	want.Dir = dir
	assert.Equal(t, want, cfg)

	p, err := cfg.KDF.Params()
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultKDFParams(), p)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
version: 1
kdf:
  strategy: pbkdf2
  iterations: 200000
  allow_degraded: true
log:
  level: debug
  format: json
integrity:
  enabled: true
  expected_sha256: abc123
`, 0600)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.True(t, cfg.KDF.AllowDegraded)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, FormatJSON, cfg.Log.Format)
	assert.Equal(t, "abc123", cfg.Integrity.ExpectedSHA256)

	p, err := cfg.KDF.Params()
	require.NoError(t, err)
	assert.Equal(t, crypto.StrategyPBKDF2, p.Strategy)
	assert.Equal(t, 200000, p.Iterations)
	assert.True(t, p.Degraded())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\nlog:\n  level: info\n", 0600)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, FormatConsole, cfg.Log.Format)
	assert.Equal(t, "argon2id", cfg.KDF.Strategy)
	assert.True(t, cfg.Integrity.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"version", "version: 2\n", ErrUnsupported},
		{"strategy", "version: 1\nkdf:\n  strategy: scrypt\n", crypto.ErrUnknownStrategy},
		{"log level", "version: 1\nlog:\n  level: loud\n", ErrInvalidLogLevel},
		{"log format", "version: 1\nlog:\n  format: xml\n", ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content, 0600)
			_, err := Load(dir)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: [1\n", 0600)
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\n", 0644)

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrInsecure)
}

func TestLoadRejectsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "real.yaml")
	require.NoError(t, os.WriteFile(target, []byte("version: 1\n"), 0600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, FileName)))

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrSymlink)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, cfg.Save(dir))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, FileName))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Log.Level)
}

func TestResolveDir(t *testing.T) {
	t.Setenv(EnvDir, "")

	dir, err := ResolveDir("/tmp/flag/")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag", dir)

	t.Setenv(EnvDir, "/tmp/env")
	dir, err = ResolveDir("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env", dir)

	t.Setenv(EnvDir, "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir, err = ResolveDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName), dir)
}

func TestKDFParamsDefaults(t *testing.T) {
	p, err := KDFConfig{}.Params()
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultKDFParams(), p)

	p, err = KDFConfig{Strategy: "argon2id", Time: 4, MemoryKiB: 128 * 1024, Threads: 2}.Params()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), p.Time)
	assert.Equal(t, uint32(128*1024), p.MemoryKiB)
	assert.Equal(t, uint8(2), p.Threads)
}
