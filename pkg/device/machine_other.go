//go:build !linux && !darwin && !windows

package device

import (
	"errors"
	"os"
	"strings"
)

// readMachineID tries the BSD host id files.
func readMachineID() (string, error) {
	for _, path := range []string{"/etc/hostid", "/etc/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("device: host id not found")
}
