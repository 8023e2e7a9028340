// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePatterns rejects malformed glob patterns before any vault work.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}
	return nil
}

// MatchID reports whether id matches any of the glob patterns. A pattern
// without glob characters must equal id. No patterns match everything.
func MatchID(id string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			if p == id {
				return true
			}
			continue
		}
		if ok, err := filepath.Match(p, id); err == nil && ok {
			return true
		}
	}
	return false
}

// Filter keeps the items whose id matches patterns, preserving order.
func Filter[T any](items []T, id func(T) string, patterns []string) []T {
	if len(patterns) == 0 {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if MatchID(id(item), patterns) {
			out = append(out, item)
		}
	}
	return out
}
