package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkJSON bool

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output in JSON format")
}

// checkCmd reports on vault health without unlocking it.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Checks vault files, permissions, disk space and lockout state",
	Long: `Checks the vault without unlocking it:
  - the database opens and passes SQLite's integrity check
  - key metadata is present
  - vault files are not readable by other users
  - free disk space
  - failed unlock attempts and any active cooldown

Example:
  blacknote check
  blacknote check --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := v.CheckIntegrity(cmd.Context())
		if err != nil {
			return err
		}

		state, err := v.GetLockState()
		if err != nil {
			return err
		}
		disk, diskErr := v.CheckDiskSpace()

		if checkJSON {
			out := map[string]any{
				"integrity":       result,
				"failed_attempts": state.FailedAttempts,
			}
			if remaining := v.RemainingCooldown(); remaining > 0 {
				out["cooldown_remaining"] = remaining.Round(time.Second).String()
			}
			if diskErr == nil {
				out["disk"] = disk
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			printCheck("Database present", result.DBExists)
			printCheck("Database integrity", result.DBIntegrity)
			printCheck("Key metadata", result.MetaValid)
			printCheck("File permissions", result.PermissionsValid)
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}

			if diskErr != nil {
				fmt.Printf("  ? Disk space: %v\n", diskErr)
			} else {
				fmt.Printf("  • Disk space: %d MiB free (%d%% used)\n", disk.Available/(1024*1024), disk.UsedPct)
			}

			fmt.Printf("  • Failed unlock attempts: %d\n", state.FailedAttempts)
			if remaining := v.RemainingCooldown(); remaining > 0 {
				fmt.Printf("  • Cooldown active: %s remaining\n", remaining.Round(time.Second))
			}
		}

		if !result.Valid {
			return errors.New("vault check failed")
		}
		return nil
	},
}

func printCheck(name string, ok bool) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Printf("  %s %s\n", mark, name)
}
