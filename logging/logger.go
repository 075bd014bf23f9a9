package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// LogLevel selects the minimum severity a logger emits.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

var slogLevels = map[LogLevel]slog.Level{
	LogLevelDebug: slog.LevelDebug,
	LogLevelInfo:  slog.LevelInfo,
	LogLevelWarn:  slog.LevelWarn,
	LogLevelError: slog.LevelError,
}

// Slog returns the matching slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	if lvl, ok := slogLevels[l]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// String returns "DEBUG", "INFO", "WARN" or "ERROR".
func (l LogLevel) String() string {
	if _, ok := slogLevels[l]; !ok {
		return "UNKNOWN"
	}
	return l.Slog().String()
}

// ParseLevel converts "debug", "info", "warn" or "error" (any case) to a
// LogLevel. The empty string is info.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is what kernels, schedulers and hosts log through. Args are slog
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewSlogAdapter exposes a *slog.Logger as a Logger. *slog.Logger already has
// the right method set; the adapter only pins the interface.
func NewSlogAdapter(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger
}

// NoOpLogger discards everything. It is the default logger of every
// constructor in this module.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}
