package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blacknote-ops/blacknote/internal/config"
	"github.com/blacknote-ops/blacknote/internal/mcp"
	"github.com/blacknote-ops/blacknote/pkg/audit"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server over stdio
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server exposing the vault as tools",
	Long: `Start the MCP server over stdio transport.

Available tools:
  - vault_status:      Whether the vault exists, is locked, or is cooling down
  - vault_create:      Create a vault bound to this device
  - vault_open:        Unlock the vault
  - vault_lock:        Lock the vault
  - record_save:       Encrypt and store a record
  - record_list:       Decrypt and list all records
  - record_get_masked: Masked preview of one record (e.g. "****WXYZ")
  - vault_panic:       Emergency lock; wipes the key and stops the server

Authentication:
  Optionally set ` + config.EnvPassword + ` to open the vault at startup.
  The password is read once and immediately cleared from the environment.
  Without it the server starts locked and clients call vault_open.

  SECURITY NOTE: On Linux, the environment variable may briefly be visible
  via /proc/<pid>/environ before it is cleared.

Example MCP client configuration:
  {
    "mcpServers": {
      "blacknote": {
        "type": "stdio",
        "command": "/path/to/blacknote",
        "args": ["mcp-server"]
      }
    }
  }`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{signalOwnerAnnotation: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

// runMCPServer serves until stdin closes, a signal arrives or vault_panic
// stops the server. The vault is closed on every path.
func runMCPServer(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := vaultOptions(cfg, logger, audit.SourceMCP)
	if err != nil {
		return err
	}

	server, err := mcp.NewServer(ctx, &mcp.ServerOptions{
		VaultDir:     vaultDir,
		Version:      version,
		Logger:       logger,
		VaultOptions: opts,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if err := server.Run(ctx); err != nil {
		// Don't report shutdown by signal as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
