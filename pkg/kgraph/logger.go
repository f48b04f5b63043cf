package kgraph

import (
	"io"
	"log"
)

// LogLevel selects which [Logger] calls actually reach the underlying
// writer; calls below the configured level are dropped before formatting.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelOff discards everything.
	LogLevelOff
)

// Logger is a small leveled wrapper around the standard library's
// *log.Logger: the teacher repo carries no third-party logging dependency,
// so this package follows the same "fmt/log, nothing fancier" precedent
// its cmd/ tools use.
//
// A nil *Logger is valid and discards every call, so [Store] and its
// callers can log unconditionally without a nil check at each call site.
type Logger struct {
	level LogLevel
	std   *log.Logger
}

// NewLogger wraps w as a [Logger] at the given level.
func NewLogger(w io.Writer, level LogLevel) *Logger {
	return &Logger{level: level, std: log.New(w, "", log.LstdFlags)}
}

func (l *Logger) emit(level LogLevel, prefix, format string, args []any) {
	if l == nil || l.std == nil || level < l.level {
		return
	}

	l.std.Printf(prefix+format, args...)
}

// Debugf logs per-operation detail: useful while developing against a
// store, noisy in normal operation.
func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LogLevelDebug, "DEBUG kgraph: ", format, args)
}

// Infof logs store lifecycle events: open, structural sample, recompute.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(LogLevelInfo, "INFO kgraph: ", format, args)
}

// Warnf logs conditions worth a human's attention that don't fail the
// calling operation.
func (l *Logger) Warnf(format string, args ...any) {
	l.emit(LogLevelWarn, "WARN kgraph: ", format, args)
}

// Errorf logs conditions that accompany a returned error, for callers that
// discard the detailed error and keep only an exit code (cmd/kgstore).
func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LogLevelError, "ERROR kgraph: ", format, args)
}
