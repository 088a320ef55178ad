// Package logging provides structured logging for the ocirun container runtime.
//
// It wraps github.com/sirupsen/logrus, the structured logger the rest of
// this codebase's corpus standardizes on, and threads one *logrus.Entry
// per command invocation carrying container_id/operation/pid fields.
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ctxKey is the context key for the logger.
type ctxKey struct{}

var (
	// defaultLogger is the global logger entry.
	defaultLogger *logrus.Entry
	// loggerMu protects defaultLogger.
	loggerMu sync.RWMutex
)

func init() {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	defaultLogger = logrus.NewEntry(base)
}

// Config holds the logger configuration.
type Config struct {
	// Level is the minimum log level.
	Level logrus.Level
	// Format is the output format ("text" or "json").
	Format string
	// Output is the log output destination.
	Output io.Writer
}

// NewLogger creates a new structured logger entry with the given configuration.
func NewLogger(cfg Config) *logrus.Entry {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(cfg.Output)
	base.SetLevel(cfg.Level)

	if cfg.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logrus.NewEntry(base)
}

// SetDefault sets the default global logger entry.
func SetDefault(logger *logrus.Entry) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = logger
}

// Default returns the default global logger entry.
func Default() *logrus.Entry {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithContainer returns a logger entry annotated with a container id.
func WithContainer(logger *logrus.Entry, id string) *logrus.Entry {
	return logger.WithField("container_id", id)
}

// WithOperation returns a logger entry annotated with an operation name.
func WithOperation(logger *logrus.Entry, op string) *logrus.Entry {
	return logger.WithField("operation", op)
}

// WithPID returns a logger entry annotated with a process id.
func WithPID(logger *logrus.Entry, pid int) *logrus.Entry {
	return logger.WithField("pid", pid)
}

// WithPath returns a logger entry annotated with a file path.
func WithPath(logger *logrus.Entry, path string) *logrus.Entry {
	return logger.WithField("path", path)
}

// ContextWithLogger returns a new context with the logger entry attached.
func ContextWithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext retrieves the logger entry from context, or the default.
func FromContext(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
		return logger
	}
	return Default()
}

// ParseLevel parses a log level string, returning logrus.InfoLevel for
// invalid values.
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Helper functions for common log patterns using the default logger.

// Info logs an info message using the default logger.
func Info(args ...any) { Default().Info(args...) }

// Warn logs a warning message using the default logger.
func Warn(args ...any) { Default().Warn(args...) }

// Error logs an error message using the default logger.
func Error(args ...any) { Default().Error(args...) }

// Debug logs a debug message using the default logger.
func Debug(args ...any) { Default().Debug(args...) }

// kvFields turns an alternating key/value slice into logrus fields.
func kvFields(kv []any) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

// WarnContext logs a warning message with key/value pairs using the logger
// found in ctx (or the default).
func WarnContext(ctx context.Context, msg string, kv ...any) {
	FromContext(ctx).WithFields(kvFields(kv)).Warn(msg)
}

// InfoContext logs an info message with key/value pairs using the logger
// found in ctx (or the default).
func InfoContext(ctx context.Context, msg string, kv ...any) {
	FromContext(ctx).WithFields(kvFields(kv)).Info(msg)
}

// ErrorContext logs an error message with key/value pairs using the logger
// found in ctx (or the default).
func ErrorContext(ctx context.Context, msg string, kv ...any) {
	FromContext(ctx).WithFields(kvFields(kv)).Error(msg)
}

// DebugContext logs a debug message with key/value pairs using the logger
// found in ctx (or the default).
func DebugContext(ctx context.Context, msg string, kv ...any) {
	FromContext(ctx).WithFields(kvFields(kv)).Debug(msg)
}
