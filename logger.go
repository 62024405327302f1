package myvector

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with myvector-specific helpers. This provides
// structured logging with consistent field names across the engine, the
// dispatcher, and the CDC pipeline.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, a text handler on stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithIndex adds an index name field to the logger.
func (l *Logger) WithIndex(name string) *Logger {
	return &Logger{Logger: l.Logger.With("index", name)}
}

// LogInsert logs an index insert operation.
func (l *Logger) LogInsert(ctx context.Context, key uint64, dim int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "key", key, "dimension", dim, "error", err)
	} else {
		l.DebugContext(ctx, "insert completed", "key", key, "dimension", dim)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, n, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "n", n, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "n", n, "results", resultsFound)
	}
}

// LogCheckpoint logs an index checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, name, checkpoint string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "index", name, "checkpoint", checkpoint, "error", err)
	} else {
		l.InfoContext(ctx, "checkpoint saved", "index", name, "checkpoint", checkpoint)
	}
}

// LogReplay logs a CDC replay pass.
func (l *Logger) LogReplay(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "binlog replay failed", "entries_replayed", entriesReplayed, "error", err)
	} else {
		l.InfoContext(ctx, "binlog replay completed", "entries_replayed", entriesReplayed)
	}
}
