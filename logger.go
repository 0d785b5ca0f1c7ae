package pakcache

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with pakcache-specific context.
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
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithArchive adds an archive field to the logger.
func (l *Logger) WithArchive(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("archive", name),
	}
}

// WithPath adds a file path field to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// LogMount logs a mount operation.
func (l *Logger) LogMount(ctx context.Context, archive string, size int64, files int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mount failed",
			"archive", archive,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "archive mounted",
			"archive", archive,
			"size", size,
			"files", files,
		)
	}
}

// LogUnmount logs an unmount operation.
func (l *Logger) LogUnmount(ctx context.Context, archive string, err error) {
	if err != nil {
		l.WarnContext(ctx, "unmount failed",
			"archive", archive,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "archive unmounted",
			"archive", archive,
		)
	}
}

// LogOpen logs a file open.
func (l *Logger) LogOpen(ctx context.Context, archive, path string, err error) {
	if err != nil {
		l.DebugContext(ctx, "open failed",
			"archive", archive,
			"path", path,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "file opened",
			"archive", archive,
			"path", path,
		)
	}
}

// LogPrefetch logs a prefetch run.
func (l *Logger) LogPrefetch(ctx context.Context, archive string, files int, err error) {
	if err != nil {
		l.WarnContext(ctx, "prefetch failed",
			"archive", archive,
			"files", files,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "prefetch completed",
			"archive", archive,
			"files", files,
		)
	}
}

// LogClose logs cache shutdown.
func (l *Logger) LogClose(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "cache closed")
	}
}
