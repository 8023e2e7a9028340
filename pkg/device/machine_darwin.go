//go:build darwin

package device

import (
	"errors"
	"os/exec"
	"regexp"
)

var platformUUIDRe = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`)

// readMachineID returns the IOPlatformUUID reported by ioreg.
func readMachineID() (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", err
	}
	m := platformUUIDRe.FindSubmatch(out)
	if m == nil {
		return "", errors.New("device: IOPlatformUUID not found")
	}
	return string(m[1]), nil
}
