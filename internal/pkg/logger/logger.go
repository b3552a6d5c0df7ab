package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
	once          sync.Once
)

// Initialize sets up the structured logger writing JSON to stdout
func Initialize() {
	once.Do(func() {
		defaultLogger = newJSONLogger(os.Stdout)
	})
}

// InitializeWithWriter sets up the structured logger writing JSON to w.
// It has no effect once the logger is initialized.
func InitializeWithWriter(w io.Writer) {
	once.Do(func() {
		defaultLogger = newJSONLogger(w)
	})
}

func newJSONLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	})
	return slog.New(handler)
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize() // sync.Once ensures it only runs once
	return defaultLogger
}

// SetLevel changes the minimum level of the default logger at runtime
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level
func Level() slog.Level {
	return level.Level()
}

// ParseLevel converts a textual level (debug, info, warn, error) to a slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info level message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Enabled reports whether messages at l are currently emitted. Hot paths use it
// to skip building expensive attributes.
func Enabled(l slog.Level) bool {
	return Get().Enabled(context.Background(), l)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
