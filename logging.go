package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// parseLevel maps debug/info/warn/error to a slog level, defaulting to info
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// InitLogger initializes the structured logger with JSON output on w.
// LOG_LEVEL overrides the configured level when set.
func InitLogger(w io.Writer, configured string) *slog.Logger {
	levelStr := configured
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelStr = env
	}
	level := parseLevel(levelStr)

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("logger initialized", "level", level.String())
	return logger
}
