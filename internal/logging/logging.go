// Package logging builds the process-wide *slog.Logger.
//
// Development and test get the human-readable text handler; production gets
// one JSON object per line for the log collector. Every component receives
// the logger through its constructor, never through slog.Default().
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a logger for the given environment writing to w.
// level is one of debug, info, warn, error (case-insensitive); anything
// else means info.
func New(environment, level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if environment == "production" {
		opts.AddSource = true
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h).With(slog.String("service", "certs-view"))
}

// ParseLevel maps a LOG_LEVEL string to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
