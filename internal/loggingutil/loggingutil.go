package loggingutil

import (
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithSubsystem returns a logger that attaches the supplied subsystem path as
// the "sys" field on every entry. Wrapping an already-wrapped logger replaces
// the subsystem while keeping accumulated fields.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	if existing, ok := logger.(*subsystemLogger); ok {
		return &subsystemLogger{
			base:      existing.base,
			subsystem: subsystem,
			keyvals:   cloneKeyvals(existing.keyvals),
		}
	}
	return &subsystemLogger{base: EnsureLogger(logger), subsystem: subsystem}
}

type subsystemLogger struct {
	base      pslog.Logger
	subsystem string
	keyvals   []any
}

func cloneKeyvals(src []any) []any {
	if len(src) == 0 {
		return nil
	}
	dst := make([]any, len(src))
	copy(dst, src)
	return dst
}

func (l *subsystemLogger) merged(extra []any) []any {
	result := make([]any, 0, 2+len(l.keyvals)+len(extra))
	result = append(result, pslog.TrustedString("sys"), l.subsystem)
	result = append(result, l.keyvals...)
	result = append(result, extra...)
	return result
}

func (l *subsystemLogger) Trace(msg string, keyvals ...any) {
	l.base.Trace(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Debug(msg string, keyvals ...any) {
	l.base.Debug(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Info(msg string, keyvals ...any) {
	l.base.Info(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Warn(msg string, keyvals ...any) {
	l.base.Warn(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Error(msg string, keyvals ...any) {
	l.base.Error(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Fatal(msg string, keyvals ...any) {
	l.base.Fatal(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Panic(msg string, keyvals ...any) {
	l.base.Panic(msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.base.Log(level, msg, l.merged(keyvals)...)
}

func (l *subsystemLogger) With(keyvals ...any) pslog.Logger {
	next := &subsystemLogger{
		base:      l.base,
		subsystem: l.subsystem,
		keyvals:   cloneKeyvals(l.keyvals),
	}
	next.keyvals = append(next.keyvals, keyvals...)
	return next
}

func (l *subsystemLogger) WithLogLevel() pslog.Logger {
	return &subsystemLogger{
		base:      l.base.WithLogLevel(),
		subsystem: l.subsystem,
		keyvals:   cloneKeyvals(l.keyvals),
	}
}

func (l *subsystemLogger) LogLevel(level pslog.Level) pslog.Logger {
	return &subsystemLogger{
		base:      l.base.LogLevel(level),
		subsystem: l.subsystem,
		keyvals:   cloneKeyvals(l.keyvals),
	}
}

func (l *subsystemLogger) LogLevelFromEnv(key string) pslog.Logger {
	return &subsystemLogger{
		base:      l.base.LogLevelFromEnv(key),
		subsystem: l.subsystem,
		keyvals:   cloneKeyvals(l.keyvals),
	}
}
