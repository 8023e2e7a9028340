// Package logging builds the diagnostic zerolog logger from configuration.
package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blacknote-ops/blacknote/internal/config"
)

// New returns a logger writing to w at the configured level. Console format
// is human readable; json emits one object per line.
func New(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level := ParseLevel(cfg.Level)
	if level == zerolog.Disabled {
		return zerolog.Nop()
	}

	out := w
	if cfg.Format != config.FormatJSON {
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", "blacknote").
		Logger()
}

// ParseLevel maps a config level name to a zerolog level. Unknown names fall
// back to warn.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
