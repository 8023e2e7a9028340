package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// VaultStatusOutput represents output for vault_status tool.
type VaultStatusOutput struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	Exists            bool   `json:"exists"`
	Locked            bool   `json:"locked"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
	FailedAttempts    int    `json:"failed_attempts,omitempty"`
}

// PasswordInput represents input for vault_create and vault_open tools.
type PasswordInput struct {
	Password string `json:"password"`
}

// VaultOutput represents output for tools that only report success.
type VaultOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EmptyInput represents input for tools without arguments.
type EmptyInput struct{}

// RecordSaveInput represents input for record_save tool.
type RecordSaveInput struct {
	ID      string `json:"id"`
	Content any    `json:"content"`
}

// RecordListOutput represents output for record_list tool.
type RecordListOutput struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Records []RecordInfo `json:"records"`
}

// RecordInfo is one decrypted record, or the reason it could not be decrypted.
type RecordInfo struct {
	ID        string `json:"id"`
	Content   any    `json:"content,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RecordGetMaskedInput represents input for record_get_masked tool.
type RecordGetMaskedInput struct {
	ID string `json:"id"`
}

// RecordGetMaskedOutput represents output for record_get_masked tool.
type RecordGetMaskedOutput struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ID          string `json:"id,omitempty"`
	MaskedValue string `json:"masked_value,omitempty"`
	ValueLength int    `json:"value_length,omitempty"`
}

// handleVaultStatus handles the vault_status tool.
func (s *Server) handleVaultStatus(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	exists, err := s.vault.Exists(ctx)
	if err != nil {
		return nil, VaultStatusOutput{Error: resultError(err)}, nil
	}

	out := VaultStatusOutput{
		Success: true,
		Exists: exists,
		Locked: s.vault.IsLocked(),
	}
	if remaining := s.vault.RemainingCooldown(); remaining > 0 {
		out.CooldownRemaining = remaining.Round(time.Second).String()
	}
	if state, err := s.vault.GetLockState(); err == nil {
		out.FailedAttempts = state.FailedAttempts
	}
	return nil, out, nil
}

// handleVaultCreate handles the vault_create tool.
func (s *Server) handleVaultCreate(ctx context.Context, _ *mcp.CallToolRequest, input PasswordInput) (*mcp.CallToolResult, VaultOutput, error) {
	if s.halted.Load() {
		return nil, VaultOutput{Error: ErrHalted.Error()}, nil
	}
	if err := s.vault.Create(ctx, input.Password); err != nil {
		return nil, VaultOutput{Error: resultError(err)}, nil
	}
	return nil, VaultOutput{Success: true}, nil
}

// handleVaultOpen handles the vault_open tool.
func (s *Server) handleVaultOpen(ctx context.Context, _ *mcp.CallToolRequest, input PasswordInput) (*mcp.CallToolResult, VaultOutput, error) {
	if s.halted.Load() {
		return nil, VaultOutput{Error: ErrHalted.Error()}, nil
	}
	if err := s.vault.Open(ctx, input.Password); err != nil {
		return nil, VaultOutput{Error: resultError(err)}, nil
	}
	return nil, VaultOutput{Success: true}, nil
}

// handleVaultLock handles the vault_lock tool.
func (s *Server) handleVaultLock(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, VaultOutput, error) {
	s.vault.Lock()
	return nil, VaultOutput{Success: true}, nil
}

// handleVaultPanic handles the vault_panic tool. The key is gone before the
// server starts shutting down.
func (s *Server) handleVaultPanic(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, VaultOutput, error) {
	s.vault.Panic()
	s.halt()
	return nil, VaultOutput{Success: true}, nil
}

// handleRecordSave handles the record_save tool.
func (s *Server) handleRecordSave(ctx context.Context, _ *mcp.CallToolRequest, input RecordSaveInput) (*mcp.CallToolResult, VaultOutput, error) {
	if err := s.vault.SaveRecord(ctx, input.ID, input.Content); err != nil {
		return nil, VaultOutput{Error: resultError(err)}, nil
	}
	return nil, VaultOutput{Success: true}, nil
}

// handleRecordList handles the record_list tool.
func (s *Server) handleRecordList(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, RecordListOutput, error) {
	results, err := s.vault.ListRecords(ctx)
	if err != nil {
		return nil, RecordListOutput{Error: resultError(err), Records: []RecordInfo{}}, nil
	}

	records := make([]RecordInfo, 0, len(results))
	for _, r := range results {
		info := RecordInfo{ID: r.ID}
		if r.Err != nil {
			info.Error = r.Err.Error()
		} else {
			info.Content = r.Content
			info.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		}
		records = append(records, info)
	}
	return nil, RecordListOutput{Success: true, Records: records}, nil
}

// handleRecordGetMasked handles the record_get_masked tool.
func (s *Server) handleRecordGetMasked(ctx context.Context, _ *mcp.CallToolRequest, input RecordGetMaskedInput) (*mcp.CallToolResult, RecordGetMaskedOutput, error) {
	if input.ID == "" {
		return nil, RecordGetMaskedOutput{Error: "id is required"}, nil
	}

	content, err := s.vault.LoadRecord(ctx, input.ID)
	if err != nil {
		return nil, RecordGetMaskedOutput{Error: resultError(err)}, nil
	}

	value, err := contentBytes(content)
	if err != nil {
		return nil, RecordGetMaskedOutput{Error: resultError(err)}, nil
	}

	return nil, RecordGetMaskedOutput{
		Success:     true,
		ID:          input.ID,
		MaskedValue: maskValue(value),
		ValueLength: len(value),
	}, nil
}

// contentBytes returns strings as-is and everything else as compact JSON.
func contentBytes(content any) ([]byte, error) {
	if str, isString := content.(string); isString {
		return []byte(str), nil
	}
	return json.Marshal(content)
}

// maskValue masks a value, showing only the last few characters.
//   - 0 chars: empty
//   - 1-4 chars: all asterisks
//   - 5-8 chars: show last 2
//   - 9+ chars: show last 4
func maskValue(value []byte) string {
	length := len(value)
	if length == 0 {
		return ""
	}

	switch {
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(value[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(value[length-4:])
	}
}
