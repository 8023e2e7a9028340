// Package mcp implements the MCP (Model Context Protocol) server for blacknote.
// Tools expose the vault host operations; record values are only returned by
// record_list and are masked by record_get_masked.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/blacknote-ops/blacknote/internal/config"
	"github.com/blacknote-ops/blacknote/pkg/audit"
	"github.com/blacknote-ops/blacknote/pkg/vault"
)

// DefaultVersion is reported to clients when ServerOptions.Version is empty.
const DefaultVersion = "dev"

// ErrHalted is returned by tools that would unlock the vault after
// vault_panic.
var ErrHalted = errors.New("server is shutting down after panic")

// Server represents the MCP server for blacknote.
type Server struct {
	server *mcp.Server
	vault  *vault.Vault
	dir    string
	log    zerolog.Logger

	halted atomic.Bool
	mu     sync.Mutex // guards stop
	stop   context.CancelFunc
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// VaultDir is the vault directory.
	// If empty, it is resolved the same way as the CLI --dir flag.
	VaultDir string

	// Password opens an existing vault at startup.
	// If empty, BLACKNOTE_PASSWORD is read and then cleared. With neither
	// set the server starts locked and clients call vault_open.
	Password string

	// Version is reported in the MCP implementation info.
	Version string

	Logger zerolog.Logger

	// VaultOptions are applied after the server's own defaults.
	VaultOptions []vault.Option
}

// NewServer creates a new MCP server instance.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{Logger: zerolog.Nop()}
	}

	dir := opts.VaultDir
	if dir == "" {
		resolved, err := config.ResolveDir("")
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	vopts := []vault.Option{
		vault.WithLogger(opts.Logger),
		vault.WithAudit(audit.NewLogger(filepath.Join(dir, vault.AuditDirName), audit.SourceMCP)),
	}
	v := vault.New(dir, append(vopts, opts.VaultOptions...)...)

	password := opts.Password
	if password == "" {
		password = os.Getenv(config.EnvPassword)
		// Cleared so child processes never inherit it.
		os.Unsetenv(config.EnvPassword)
	}

	if password != "" {
		if err := v.Open(ctx, password); err != nil {
			return nil, fmt.Errorf("failed to open vault: %w", err)
		}
	}

	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "blacknote",
			Version: version,
		},
		nil,
	)

	s := &Server{
		server: mcpServer,
		vault:  v,
		dir:    dir,
		log:    opts.Logger,
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Report whether the vault exists, whether it is locked, and any active cooldown. Never returns record content.",
	}, s.handleVaultStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_create",
		Description: "Create a new vault bound to this device with the given password and leave it unlocked.",
	}, s.handleVaultCreate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_open",
		Description: "Unlock the existing vault with the given password. Fails with a single generic message for a wrong password or a different device.",
	}, s.handleVaultOpen)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_lock",
		Description: "Lock the vault and wipe the key from memory.",
	}, s.handleVaultLock)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_save",
		Description: "Encrypt and store a JSON value under a record id, replacing any previous value.",
	}, s.handleRecordSave)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_list",
		Description: "Decrypt and return every record. Records that fail to decrypt are reported individually.",
	}, s.handleRecordList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_get_masked",
		Description: "Get a masked version of one record (e.g. '****WXYZ'). Useful for checking that a record exists and has the expected shape without exposing it.",
	}, s.handleRecordGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_panic",
		Description: "Emergency lock: wipe the key immediately and shut the server down. Always succeeds.",
	}, s.handleVaultPanic)
}

// Run starts the MCP server using stdio transport. It returns nil once
// vault_panic has stopped the server.
func (s *Server) Run(ctx context.Context) error {
	return s.serve(ctx, &mcp.StdioTransport{})
}

func (s *Server) serve(ctx context.Context, t mcp.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	defer func() {
		if err := s.vault.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close vault")
		}
	}()

	if s.halted.Load() {
		return nil
	}
	err := s.server.Run(ctx, t)
	if s.halted.Load() {
		s.log.Warn().Msg("mcp server stopped after panic")
		return nil
	}
	return err
}

// halt refuses further unlocks and stops serve. The session close waits for
// in-flight calls, so the vault_panic response is still delivered.
func (s *Server) halt() {
	s.halted.Store(true)
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close locks the vault and releases its store.
func (s *Server) Close() error {
	return s.vault.Close()
}

// resultError maps a vault error to the message returned to clients.
func resultError(err error) string {
	if errors.Is(err, vault.ErrAccessDenied) {
		return vault.ErrAccessDenied.Error()
	}
	return err.Error()
}
