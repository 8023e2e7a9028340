// Package config loads blacknote's YAML configuration from the vault
// directory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blacknote-ops/blacknote/pkg/crypto"
)

// FileName is the name of the config file inside the vault directory
const FileName = "config.yaml"

// DefaultDirName is the vault directory created under the user's home
const DefaultDirName = ".blacknote"

// Environment variables
const (
	EnvDir      = "BLACKNOTE_DIR"
	EnvPassword = "BLACKNOTE_PASSWORD"
)

// Log formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Errors
var (
	ErrInsecure        = errors.New("config: file has insecure permissions")
	ErrSymlink         = errors.New("config: file is a symlink")
	ErrNotOwnedByUser  = errors.New("config: file not owned by current user")
	ErrUnsupported     = errors.New("config: unsupported config version")
	ErrInvalidLogLevel = errors.New("config: invalid log level")
	ErrInvalidFormat   = errors.New("config: invalid log format")
)

// errNotFound is internal: a missing file means defaults.
var errNotFound = errors.New("config: file not found")

// Config is the contents of config.yaml.
type Config struct {
	Version   int             `yaml:"version"`
	KDF       KDFConfig       `yaml:"kdf"`
	Log       LogConfig       `yaml:"log"`
	Integrity IntegrityConfig `yaml:"integrity"`

	// Dir is the vault directory the config was loaded from.
	Dir string `yaml:"-"`
}

// KDFConfig selects the key derivation strategy. Zero cost fields take the
// strategy's defaults.
type KDFConfig struct {
	Strategy      string `yaml:"strategy"`
	Time          uint32 `yaml:"time"`
	MemoryKiB     uint32 `yaml:"memory_kib"`
	Threads       uint8  `yaml:"threads"`
	Iterations    int    `yaml:"iterations"`
	AllowDegraded bool   `yaml:"allow_degraded"`
}

// LogConfig controls diagnostic logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IntegrityConfig controls the executable hash check run before create and
// open.
type IntegrityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ExpectedSHA256 string `yaml:"expected_sha256"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	p := crypto.DefaultKDFParams()
	return &Config{
		Version: 1,
		KDF: KDFConfig{
			Strategy:   p.Strategy.String(),
			Time:       p.Time,
			MemoryKiB:  p.MemoryKiB,
			Threads:    p.Threads,
			Iterations: p.Iterations,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: FormatConsole,
		},
		Integrity: IntegrityConfig{
			Enabled: true,
		},
	}
}

// ResolveDir returns the vault directory: flag if set, then $BLACKNOTE_DIR,
// then ~/.blacknote.
func ResolveDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Clean(flag), nil
	}
	if env := os.Getenv(EnvDir); env != "" {
		return filepath.Clean(env), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Load reads dir/config.yaml. A missing file yields Default().
//
// The file is opened without following symlinks and must be mode 0600 and
// owned by the current user.
func Load(dir string) (*Config, error) {
	cfg := Default()
	cfg.Dir = dir

	f, err := openConfigFile(filepath.Join(dir, FileName))
	if errors.Is(err, errNotFound) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// fstat on the open descriptor
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat file: %w", err)
	}
	if err := checkPermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c to dir/config.yaml with mode 0600.
func (c *Config) Save(dir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to encode: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return os.Chmod(path, 0600)
}

// Validate checks every field.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("%w: %d", ErrUnsupported, c.Version)
	}
	if _, err := c.KDF.Params(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Log.Format)
	}
	return nil
}

// Params converts the section into crypto.KDFParams.
func (k KDFConfig) Params() (crypto.KDFParams, error) {
	strategy, err := crypto.ParseStrategy(k.Strategy)
	if err != nil {
		return crypto.KDFParams{}, err
	}

	p := crypto.DefaultKDFParams()
	p.Strategy = strategy
	if k.Time != 0 {
		p.Time = k.Time
	}
	if k.MemoryKiB != 0 {
		p.MemoryKiB = k.MemoryKiB
	}
	if k.Threads != 0 {
		p.Threads = k.Threads
	}
	if k.Iterations != 0 {
		p.Iterations = k.Iterations
	}
	if err := p.Validate(); err != nil {
		return crypto.KDFParams{}, err
	}
	return p, nil
}
