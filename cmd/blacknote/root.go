package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/blacknote-ops/blacknote/internal/config"
	"github.com/blacknote-ops/blacknote/internal/logging"
	"github.com/blacknote-ops/blacknote/pkg/audit"
	"github.com/blacknote-ops/blacknote/pkg/crypto"
	"github.com/blacknote-ops/blacknote/pkg/integrity"
	"github.com/blacknote-ops/blacknote/pkg/security"
	"github.com/blacknote-ops/blacknote/pkg/vault"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// signalOwnerAnnotation marks commands that handle SIGINT and SIGTERM
// themselves instead of memguard.CatchInterrupt.
const signalOwnerAnnotation = "blacknote/signal-owner"

var (
	vaultDir string
	cfg      *config.Config
	logger   zerolog.Logger
	v        *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:           "blacknote",
	Short:         "blacknote is a device-bound encrypted note vault",
	Long:          `Notes are encrypted with a key derived from your master password and this device's identity. A vault copied to another machine cannot be opened there.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE loads configuration and builds the Vault for every
	// subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if wantsInterruptHandler(cmd) {
			// Wipe guarded memory if the process is interrupted.
			memguard.CatchInterrupt()
		}

		dir, err := config.ResolveDir(vaultDir)
		if err != nil {
			return err
		}
		vaultDir = dir

		cfg, err = config.Load(dir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = logging.New(cfg.Log, os.Stderr)

		opts, err := vaultOptions(cfg, logger, audit.SourceCLI)
		if err != nil {
			return err
		}
		v = vault.New(dir, opts...)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if v == nil {
			return nil
		}
		return v.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultDir, "dir", "", "Vault directory (default $"+config.EnvDir+" or ~/"+config.DefaultDirName+")")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(fingerprintCmd)
}

func wantsInterruptHandler(cmd *cobra.Command) bool {
	_, owns := cmd.Annotations[signalOwnerAnnotation]
	return !owns
}

// vaultOptions maps configuration onto vault options.
func vaultOptions(c *config.Config, l zerolog.Logger, source string) ([]vault.Option, error) {
	params, err := c.KDF.Params()
	if err != nil {
		return nil, err
	}

	opts := []vault.Option{
		vault.WithKDFParams(params),
		vault.WithAllowDegradedKDF(c.KDF.AllowDegraded),
		vault.WithLogger(l),
		vault.WithAudit(audit.NewLogger(filepath.Join(c.Dir, vault.AuditDirName), source)),
		vault.WithOnPanic(memguard.Purge),
	}
	if c.Integrity.Enabled {
		opts = append(opts, vault.WithGate(&integrity.ExecutableGate{
			ExpectedSHA256: c.Integrity.ExpectedSHA256,
			Logger:         l,
		}))
	}
	return opts, nil
}

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Creates a new vault bound to this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Initializing new vault...")

		password1, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password1)

		password2, err := readPassword("Confirm master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password2)

		if string(password1) != string(password2) {
			return errors.New("passwords do not match")
		}

		// Advisory only; the vault accepts any non-empty password.
		check := security.CheckMasterPassword(string(password1))
		fmt.Printf("Password strength: %s\n", check.Strength)
		for _, warning := range check.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}

		if err := v.Create(cmd.Context(), string(password1)); err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}

		if _, err := os.Stat(filepath.Join(vaultDir, config.FileName)); errors.Is(err, os.ErrNotExist) {
			if err := cfg.Save(vaultDir); err != nil {
				logger.Warn().Err(err).Msg("failed to write default config")
			}
		}

		fp, err := v.Fingerprint()
		if err == nil && fp.Degraded {
			fmt.Println("Warning: no persistent machine identifier found; device binding falls back to the hostname")
		}

		fmt.Printf("Vault created at %s\n", vaultDir)
		return nil
	},
}

// fingerprintCmd prints this device's fingerprint
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Shows the device fingerprint the vault key is bound to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := v.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Println(fp.Value)
		if fp.Degraded {
			fmt.Fprintln(os.Stderr, "Warning: degraded fingerprint (hostname fallback)")
		}
		return nil
	},
}

// ensureUnlocked prompts for the master password and opens the vault.
func ensureUnlocked(ctx context.Context) error {
	if !v.IsLocked() {
		return nil
	}

	password, err := readPassword("Enter master password: ")
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)

	if err := v.Open(ctx, string(password)); err != nil {
		if errors.Is(err, vault.ErrCooldownActive) {
			return fmt.Errorf("too many failed attempts, try again in %s", v.RemainingCooldown().Round(time.Second))
		}
		return err
	}
	return nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// parseDuration parses durations such as 24h, 7d, 2w, 3m (30-day months)
// or 1y. Anything else goes through time.ParseDuration.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'm':
		unit = 30 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration value: %s", s[:len(s)-1])
	}
	return time.Duration(n) * unit, nil
}
