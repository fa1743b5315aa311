package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"pii-ledger/internal/config"
)

// NewLogger builds a *slog.Logger from cfg, writes to os.Stderr and installs
// it as the slog default.
//
// Format "json" produces structured output; any other format produces text
// with source locations. verbose forces the debug level.
func NewLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	logger := newLogger(os.Stderr, cfg, verbose)
	slog.SetDefault(logger)
	return logger
}

func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: !strings.EqualFold(cfg.Format, "json"),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
