package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blacknote-ops/blacknote/internal/cli"
	"github.com/blacknote-ops/blacknote/pkg/vault"
)

var (
	noteSaveJSON bool
	noteListJSON bool
)

func init() {
	rootCmd.AddCommand(noteCmd)
	noteCmd.AddCommand(noteSaveCmd)
	noteCmd.AddCommand(noteGetCmd)
	noteCmd.AddCommand(noteListCmd)

	noteSaveCmd.Flags().BoolVar(&noteSaveJSON, "json", false, "Parse the content as JSON instead of storing it as text")
	noteListCmd.Flags().BoolVar(&noteListJSON, "json", false, "Output records as JSON")
}

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Save and read encrypted notes",
}

// noteSaveCmd stores a note, replacing any previous note with the same id.
var noteSaveCmd = &cobra.Command{
	Use:   "save <id> [content]",
	Short: "Encrypts and saves a note",
	Long: `Encrypts and saves a note. Without a content argument the note is read
from stdin. Saving to an existing id replaces the previous note.

Examples:
  blacknote note save todo "buy milk"
  echo '{"text":"hello"}' | blacknote note save n1 --json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		if len(args) == 2 {
			raw = []byte(args[1])
		} else {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), vault.MaxContentSize+1))
			if err != nil {
				return fmt.Errorf("failed to read content: %w", err)
			}
			raw = data
		}

		content, err := parseContent(raw, noteSaveJSON)
		if err != nil {
			return err
		}

		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer v.Lock()

		if err := v.SaveRecord(cmd.Context(), args[0], content); err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved note %q\n", args[0])
		return nil
	},
}

// noteGetCmd prints one decrypted note.
var noteGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Decrypts and prints a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer v.Lock()

		content, err := v.LoadRecord(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, vault.ErrRecordNotFound) {
				return fmt.Errorf("note %q not found", args[0])
			}
			return err
		}

		out, err := formatContent(content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// noteListCmd prints notes. Notes that fail to decrypt are reported
// without aborting the listing.
var noteListCmd = &cobra.Command{
	Use:   "list [pattern...]",
	Short: "Decrypts and lists notes, optionally filtered by id glob",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.ValidatePatterns(args); err != nil {
			return err
		}
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer v.Lock()

		results, err := v.ListRecords(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list notes: %w", err)
		}
		results = cli.Filter(results, func(r vault.RecordResult) string { return r.ID }, args)

		if noteListJSON {
			return writeRecordsJSON(cmd.OutOrStdout(), results)
		}

		if len(results) == 0 {
			fmt.Println("No notes found")
			return nil
		}

		failures := 0
		for _, r := range results {
			if r.Err != nil {
				failures++
				fmt.Fprintf(cmd.OutOrStdout(), "%s  [unreadable: %v]\n", r.ID, r.Err)
				continue
			}
			out, err := formatContent(r.Content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", r.ID, r.UpdatedAt.Local().Format("2006-01-02 15:04"), firstLine(out))
		}

		fmt.Printf("\nTotal: %d notes", len(results))
		if failures > 0 {
			fmt.Printf(" (%d unreadable)", failures)
		}
		fmt.Println()
		return nil
	},
}

// parseContent turns raw input into a record value: text by default, any
// JSON value with asJSON.
func parseContent(raw []byte, asJSON bool) (any, error) {
	if len(raw) > vault.MaxContentSize {
		return nil, vault.ErrContentTooLarge
	}
	if !asJSON {
		return string(raw), nil
	}

	var content any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("content is not valid JSON: %w", err)
	}
	return content, nil
}

// formatContent renders text as-is and structured values as indented JSON.
func formatContent(content any) (string, error) {
	if s, ok := content.(string); ok {
		return s, nil
	}
	out, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format note: %w", err)
	}
	return string(out), nil
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(s, "\n")
	if cut {
		return line + " ..."
	}
	return line
}

type recordJSON struct {
	ID        string `json:"id"`
	Content   any    `json:"content,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

func writeRecordsJSON(w io.Writer, results []vault.RecordResult) error {
	records := make([]recordJSON, 0, len(results))
	for _, r := range results {
		rec := recordJSON{ID: r.ID}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		} else {
			rec.Content = r.Content
			rec.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		}
		records = append(records, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
