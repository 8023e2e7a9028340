//go:build windows

package config

import (
	"errors"
	"fmt"
	"os"
)

// openConfigFile opens the file. Windows has no O_NOFOLLOW; symlinks there
// need elevated privileges to create.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

// Windows reports synthetic permission bits; ACLs are not inspected.
func checkPermissions(_ os.FileInfo) error {
	return nil
}

func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
