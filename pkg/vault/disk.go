package vault

import (
	"fmt"
)

// DiskSpaceInfo contains disk space information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`
}

// checkDiskSpaceForWrite fails when less than max(MinDiskSpaceBytes, 2*size)
// is available. A failed check is logged and does not block the write.
func (v *Vault) checkDiskSpaceForWrite(size int) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(size*2) > required {
		required = uint64(size * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		v.log.Warn().Int("used_pct", info.UsedPct).Msg("disk is nearly full")
	}
	return nil
}
