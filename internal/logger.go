package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a level below slog.LevelDebug, used for the very hot-path
// per-packet logging (flag dumps, per-fragment sends) that would otherwise
// flood a debug log.
const LevelTrace = slog.Level(-8)

// Logger is a small embeddable leveled-logging helper matching the pattern
// used throughout the teacher's internet package: embed it in a struct, then
// call l.Trace/l.Debug/l.Info/l.Warn/l.Error. A nil underlying *slog.Logger
// makes every call a no-op, so zero-value structs remain usable in tests.
type Logger struct {
	Log *slog.Logger
}

func (l *Logger) enabled(level slog.Level) bool {
	return l.Log != nil && l.Log.Enabled(context.Background(), level)
}

// Trace logs at [LevelTrace].
func (l *Logger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }

// Debug logs at slog.LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at slog.LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at slog.LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at slog.LevelError.
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if !l.enabled(level) {
		return
	}
	l.Log.Log(context.Background(), level, msg, args...)
}
