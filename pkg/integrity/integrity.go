// Package integrity verifies the running program before a vault is created
// or opened.
package integrity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Errors
var (
	ErrHashMismatch = errors.New("integrity: executable hash mismatch")
	ErrUnreadable   = errors.New("integrity: executable could not be read")
)

// Gate is consulted before Create and Open. A non-nil error aborts the
// operation.
type Gate interface {
	Verify(ctx context.Context) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) error

// Verify calls f(ctx).
func (f GateFunc) Verify(ctx context.Context) error {
	return f(ctx)
}

// Allow is a gate that always passes.
var Allow Gate = GateFunc(func(context.Context) error { return nil })

// ExecutableGate hashes an executable with SHA-256.
//
// When ExpectedSHA256 is empty the gate only records the hash; otherwise the
// computed hash must match it.
type ExecutableGate struct {
	// Path of the file to hash. Defaults to os.Executable().
	Path string
	// ExpectedSHA256 is the lowercase hex digest to enforce.
	ExpectedSHA256 string
	Logger         zerolog.Logger
}

// Verify implements Gate.
func (g *ExecutableGate) Verify(ctx context.Context) error {
	path := g.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		path = exe
	}

	sum, err := HashFile(ctx, path)
	if err != nil {
		return err
	}

	g.Logger.Info().Str("path", path).Str("sha256", sum).Msg("executable hash")

	expected := strings.ToLower(strings.TrimSpace(g.ExpectedSHA256))
	if expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(sum), []byte(expected)) != 1 {
		g.Logger.Warn().Str("path", path).Str("expected", expected).Msg("executable hash mismatch")
		return ErrHashMismatch
	}
	return nil
}

// HashFile returns the lowercase hex SHA-256 digest of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
