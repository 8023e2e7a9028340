package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/blacknote-ops/blacknote/pkg/store"
)

// IntegrityCheckResult contains the results of vault integrity verification
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	MetaValid        bool     `json:"meta_valid"`
	PermissionsValid bool     `json:"permissions_valid"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// integrityChecker is implemented by stores that can verify their own files.
type integrityChecker interface {
	CheckIntegrity(ctx context.Context) error
}

// CheckIntegrity verifies, without the password, that:
// the database exists and passes the SQLite integrity check,
// the salt and verifier metadata are present and decodable,
// and the directory and files are private to the owner.
func (v *Vault) CheckIntegrity(ctx context.Context) (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	for _, p := range v.insecurePaths() {
		result.PermissionsValid = false
		result.fail("%s has insecure permissions %04o", p.name, p.perm)
	}

	exists, err := v.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		result.fail("vault not found at %s", v.dir)
		return result, nil
	}
	result.DBExists = true

	st, err := v.openStore(ctx)
	if err != nil {
		result.fail("failed to open database: %v", err)
		return result, nil
	}

	if checker, ok := st.(integrityChecker); ok {
		if err := checker.CheckIntegrity(ctx); err != nil {
			result.fail("%v", err)
		} else {
			result.DBIntegrity = true
		}
	} else {
		result.DBIntegrity = true
	}

	if _, _, err := readMeta(ctx, st); err != nil {
		result.fail("%v", err)
	} else {
		result.MetaValid = true
	}

	return result, nil
}

type insecurePath struct {
	name string
	perm os.FileMode
}

// insecurePaths lists vault files readable by group or others.
func (v *Vault) insecurePaths() []insecurePath {
	if runtime.GOOS == "windows" {
		return nil
	}

	var out []insecurePath
	if info, err := os.Stat(v.dir); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			out = append(out, insecurePath{name: "vault directory", perm: perm})
		}
	}
	for _, name := range []string{DBFileName, LockFileName} {
		info, err := os.Stat(filepath.Join(v.dir, name))
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			out = append(out, insecurePath{name: name, perm: perm})
		}
	}
	return out
}

// checkAndWarnPermissions logs insecure permissions. It never blocks.
func (v *Vault) checkAndWarnPermissions() {
	for _, p := range v.insecurePaths() {
		v.log.Warn().
			Str("file", p.name).
			Str("perm", fmt.Sprintf("%04o", p.perm)).
			Msg("insecure permissions on vault file")
	}
}

var _ integrityChecker = (*store.SQLite)(nil)
