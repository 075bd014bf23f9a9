package core

import "github.com/hupe1980/kernelmesh/logging"

// loggerAdapter gives an InvocationContext a non-nil logger and tags its log
// lines with the root command.
type loggerAdapter struct {
	logger logging.Logger
	root   Command
}

func newLoggerAdapter(l logging.Logger, root Command) *loggerAdapter {
	if l == nil {
		l = logging.NoOpLogger{}
	}
	return &loggerAdapter{logger: l, root: root}
}

// Logger returns the underlying logger.
func (l *loggerAdapter) Logger() logging.Logger {
	return l.logger
}

// logDropped records an event Publish refused.
func (l *loggerAdapter) logDropped(ev Event, reason string, args ...any) {
	kv := []any{"reason", reason, "event_type", ev.EventType()}
	if l.root != nil {
		kv = append(kv, "root_command", l.root.CommandType(), "root_token", l.root.Token())
	}
	l.logger.Debug("event dropped", append(kv, args...)...)
}
