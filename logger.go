package ntuple

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with ntuple-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithNTuple adds the ntuple name and location to the logger.
func (l *Logger) WithNTuple(name, location string) *Logger {
	return &Logger{
		Logger: l.Logger.With("ntuple", name, "location", location),
	}
}

// LogOpen logs the resolution of a location into a backend.
func (l *Logger) LogOpen(ctx context.Context, mode string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"mode", mode,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "backend opened",
			"mode", mode,
		)
	}
}

// LogPurge logs the removal of an existing ntuple before it is rewritten.
func (l *Logger) LogPurge(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "purge failed",
			"error", err,
		)
	} else {
		l.WarnContext(ctx, "existing ntuple purged")
	}
}
