package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blacknote-ops/blacknote/internal/config"
	"github.com/blacknote-ops/blacknote/pkg/audit"
	"github.com/blacknote-ops/blacknote/pkg/vault"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input       string
		expected    time.Duration
		expectError bool
	}{
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"3m", 90 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"d", 0, true},
		{"xd", 0, true},
		{"-1d", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("parseDuration(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDuration(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseContent(t *testing.T) {
	text, err := parseContent([]byte("buy milk"), false)
	if err != nil {
		t.Fatalf("parseContent failed: %v", err)
	}
	if text != "buy milk" {
		t.Errorf("expected text content, got %#v", text)
	}

	obj, err := parseContent([]byte(`{"text":"hello"}`), true)
	if err != nil {
		t.Fatalf("parseContent failed: %v", err)
	}
	m, ok := obj.(map[string]any)
	if !ok || m["text"] != "hello" {
		t.Errorf("expected decoded object, got %#v", obj)
	}

	if _, err := parseContent([]byte("not json"), true); err == nil {
		t.Error("expected error for invalid JSON")
	}

	big := bytes.Repeat([]byte("a"), vault.MaxContentSize+1)
	if _, err := parseContent(big, false); !errors.Is(err, vault.ErrContentTooLarge) {
		t.Errorf("expected ErrContentTooLarge, got %v", err)
	}
}

func TestFormatContent(t *testing.T) {
	out, err := formatContent("plain")
	if err != nil || out != "plain" {
		t.Errorf("formatContent(text) = %q, %v", out, err)
	}

	out, err = formatContent(map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("formatContent failed: %v", err)
	}
	if out != "{\n  \"text\": \"hello\"\n}" {
		t.Errorf("unexpected formatted JSON: %q", out)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one"); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("one\ntwo"); got != "one ..." {
		t.Errorf("firstLine = %q", got)
	}
}

func TestWriteRecordsJSON(t *testing.T) {
	var buf bytes.Buffer
	results := []vault.RecordResult{
		{ID: "a", Content: "x", UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: "b", Err: errors.New("authentication failed")},
	}
	if err := writeRecordsJSON(&buf, results); err != nil {
		t.Fatalf("writeRecordsJSON failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"id": "a"`, `"updated_at": "2026-01-02T03:04:05Z"`, `"error": "authentication failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
}

func TestVaultOptions(t *testing.T) {
	c := config.Default()
	c.Dir = t.TempDir()

	opts, err := vaultOptions(c, zerolog.Nop(), audit.SourceCLI)
	if err != nil {
		t.Fatalf("vaultOptions failed: %v", err)
	}
	// KDF, degraded flag, logger, audit, panic hook, integrity gate
	if len(opts) != 6 {
		t.Errorf("expected 6 options, got %d", len(opts))
	}

	c.Integrity.Enabled = false
	opts, err = vaultOptions(c, zerolog.Nop(), audit.SourceCLI)
	if err != nil {
		t.Fatalf("vaultOptions failed: %v", err)
	}
	if len(opts) != 5 {
		t.Errorf("expected 5 options without integrity gate, got %d", len(opts))
	}

	c.KDF.Strategy = "scrypt"
	if _, err := vaultOptions(c, zerolog.Nop(), audit.SourceCLI); err == nil {
		t.Error("expected error for unknown KDF strategy")
	}
}

func TestSignalOwnership(t *testing.T) {
	if wantsInterruptHandler(mcpServerCmd) {
		t.Error("mcp-server handles its own signals and must not install memguard.CatchInterrupt")
	}
	for _, cmd := range []*cobra.Command{initCmd, noteListCmd, auditVerifyCmd} {
		if !wantsInterruptHandler(cmd) {
			t.Errorf("%s should install the interrupt handler", cmd.Name())
		}
	}
}
