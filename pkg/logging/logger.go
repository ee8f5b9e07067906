package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/adfharrison1/collwrite/pkg/domain"
)

// Logger wraps slog.Logger with the field names the write path uses.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler logs text
// to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger writes JSON records at or above level to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger writes human-readable records at or above level to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}

// OrNoop returns l, or a no-op logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}

// WithNamespace tags records with the collection namespace.
func (l *Logger) WithNamespace(ns string) *Logger {
	return &Logger{Logger: l.Logger.With("ns", ns)}
}

// WithComponent tags records with the subsystem that emitted them.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// RecordId is the attribute used for record ids.
func RecordId(id domain.RecordId) slog.Attr {
	return slog.String("recordId", id.String())
}

// Index is the attribute used for index names.
func Index(name string) slog.Attr {
	return slog.String("index", name)
}

// Ts is the attribute used for timestamps.
func Ts(ts domain.Timestamp) slog.Attr {
	return slog.String("ts", ts.String())
}

// Err is the attribute used for errors.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}
