package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockState tracks failed open attempts for cooldown enforcement
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func (v *Vault) lockPath() string {
	return filepath.Join(v.dir, LockFileName)
}

// loadLockState reads the lock state from the lock file
func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(v.lockPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// A damaged lock file must not lock the owner out for good.
		v.log.Warn().Err(err).Msg("lock state is corrupt, resetting")
		return &LockState{}, nil
	}
	return &state, nil
}

func (v *Vault) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(v.lockPath(), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

func (v *Vault) clearLockState() error {
	err := os.Remove(v.lockPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown returns the remaining wait and ErrCooldownActive while a
// cooldown is running.
func (v *Vault) checkCooldown() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt counts a failure and returns the cooldown it triggered.
func (v *Vault) recordFailedAttempt() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	state.FailedAttempts++
	state.LastAttempt = now

	cooldown := cooldownFor(state.FailedAttempts)
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	return cooldown, v.saveLockState(state)
}

// cooldownFor maps a cumulative failure count to a cooldown. Thresholds are
// inclusive: the 5th, 10th and 20th failures start a new cooldown, and every
// failure past a threshold restarts that tier.
func cooldownFor(failures int) time.Duration {
	switch {
	case failures >= CooldownThreshold3:
		return CooldownDuration3
	case failures >= CooldownThreshold2:
		return CooldownDuration2
	case failures >= CooldownThreshold1:
		return CooldownDuration1
	default:
		return 0
	}
}

// GetLockState returns the current failed-attempt state.
func (v *Vault) GetLockState() (*LockState, error) {
	return v.loadLockState()
}

// RemainingCooldown returns how long Open stays blocked, or zero.
func (v *Vault) RemainingCooldown() time.Duration {
	remaining, err := v.checkCooldown()
	if errors.Is(err, ErrCooldownActive) {
		return remaining
	}
	return 0
}
