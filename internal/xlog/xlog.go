// Package xlog provides a small nil-safe structured logging helper shared
// by every brudp package. It mirrors the embeddable logger pattern used
// throughout the engine packages: a value type wrapping *slog.Logger with
// level-named methods over slog.Attr, safe to embed and call on a nil
// underlying logger.
package xlog

import (
	"context"
	"log/slog"
)

// Trace sits below slog.LevelDebug for the chattiest per-chunk logging.
const Trace slog.Level = slog.LevelDebug - 2

// Logger wraps an optional *slog.Logger. The zero value discards everything.
type Logger struct {
	L *slog.Logger
}

func New(l *slog.Logger) Logger { return Logger{L: l} }

func (l Logger) enabled(ctx context.Context, lvl slog.Level) bool {
	return l.L != nil && l.L.Enabled(ctx, lvl)
}

func (l Logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.L == nil {
		return
	}
	ctx := context.Background()
	if !l.enabled(ctx, lvl) {
		return
	}
	l.L.LogAttrs(ctx, lvl, msg, attrs...)
}

func (l Logger) Trace(msg string, attrs ...slog.Attr) { l.logAttrs(Trace, msg, attrs...) }
func (l Logger) Debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }
func (l Logger) Info(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelInfo, msg, attrs...) }
func (l Logger) Warn(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelWarn, msg, attrs...) }
func (l Logger) Error(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }

// With returns a Logger scoped with the given attributes, or the zero
// Logger if the underlying *slog.Logger is nil.
func (l Logger) With(args ...any) Logger {
	if l.L == nil {
		return l
	}
	return Logger{L: l.L.With(args...)}
}
