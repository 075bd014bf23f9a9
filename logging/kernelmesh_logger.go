package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"
)

// LoggerConfig configures construction of a KernelMeshLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	// Component is attached to every entry as "component".
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a JSON, info level configuration writing to stderr.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr, CustomAttrs: map[string]any{}}
}

// KernelMeshLogger is a slog logger carrying kernel mesh attributes
// (component, kernel, command token) plus helpers for the events kernels and
// hosts log most. With* methods return copies; the receiver is unchanged.
type KernelMeshLogger struct {
	handler slog.Handler
	attrs   []slog.Attr
}

// NewLogger builds a KernelMeshLogger from cfg, or from DefaultLoggerConfig
// when cfg is nil.
func NewLogger(cfg *LoggerConfig) *KernelMeshLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.Slog(), AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}

	l := &KernelMeshLogger{handler: h}
	if cfg.Component != "" {
		l.attrs = append(l.attrs, slog.String("component", cfg.Component))
	}
	for k, v := range cfg.CustomAttrs {
		l.attrs = append(l.attrs, slog.Any(k, v))
	}

	return l
}

// NewSlogLogger is NewLogger with the common settings as arguments.
func NewSlogLogger(level LogLevel, format string, addSource bool) *KernelMeshLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

// with returns a copy with key set to value, replacing an earlier value.
func (l *KernelMeshLogger) with(key string, value any) *KernelMeshLogger {
	attrs := slices.DeleteFunc(slices.Clone(l.attrs), func(a slog.Attr) bool { return a.Key == key })
	return &KernelMeshLogger{handler: l.handler, attrs: append(attrs, slog.Any(key, value))}
}

// WithContext attaches key=value to every entry.
func (l *KernelMeshLogger) WithContext(key string, value any) *KernelMeshLogger {
	return l.with(key, value)
}

// WithComponent sets the component (kernel, scheduler, host, connection).
func (l *KernelMeshLogger) WithComponent(c string) *KernelMeshLogger { return l.with("component", c) }

// WithKernel attaches the kernel name.
func (l *KernelMeshLogger) WithKernel(name string) *KernelMeshLogger { return l.with("kernel", name) }

// WithCommand attaches a command token.
func (l *KernelMeshLogger) WithCommand(token string) *KernelMeshLogger {
	return l.with("command_token", token)
}

func (l *KernelMeshLogger) log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(l.attrs...)
	r.Add(args...)
	_ = l.handler.Handle(ctx, r)
}

func (l *KernelMeshLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *KernelMeshLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *KernelMeshLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *KernelMeshLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// LogCommand records the outcome of one command on a kernel: debug on
// success, warn on failure.
func (l *KernelMeshLogger) LogCommand(kernel, commandType string, dur time.Duration, err error) {
	args := []any{"kernel", kernel, "command_type", commandType, "duration", dur, "success", err == nil}
	if err != nil {
		l.log(slog.LevelWarn, "command failed", append(args, "error", err.Error())...)
		return
	}
	l.log(slog.LevelDebug, "command handled", args...)
}

// LogRouting records the kernel a composite picked for a command.
func (l *KernelMeshLogger) LogRouting(composite, commandType, target, reason string) {
	l.log(slog.LevelDebug, "command routed",
		"composite", composite, "command_type", commandType, "target", target, "reason", reason)
}

// LogEnvelope records an envelope crossing a connection.
func (l *KernelMeshLogger) LogEnvelope(direction, connection, kind, token string) {
	l.log(slog.LevelDebug, "envelope "+direction,
		"connection", connection, "kind", kind, "token", token)
}
