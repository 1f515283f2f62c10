// Package slogctxd implements ctxd.Logger with log/slog.
package slogctxd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/bool64/ctxd"
)

// LevelImportant is between info and warn.
const LevelImportant = slog.Level(2)

var _ ctxd.Logger = &Logger{}

// Logger adds context fields of ctxd.AddFields and structured error tuples to slog records.
type Logger struct {
	l *slog.Logger
}

// New creates Logger with slog handler.
func New(h slog.Handler) *Logger {
	return &Logger{l: slog.New(h)}
}

// NewWriter creates Logger with text or json output.
func NewWriter(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if strings.EqualFold(format, "json") {
		return New(slog.NewJSONHandler(w, opts))
	}

	return New(slog.NewTextHandler(w, opts))
}

// ParseLevel parses level name, info is returned for unknown names.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "important":
		return LevelImportant
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog returns underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.l
}

// Debug logs a message.
func (l *Logger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelDebug, msg, keysAndValues)
}

// Info logs a message.
func (l *Logger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelInfo, msg, keysAndValues)
}

// Important logs a message.
func (l *Logger) Important(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, LevelImportant, msg, keysAndValues)
}

// Warn logs a message.
func (l *Logger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelWarn, msg, keysAndValues)
}

// Error logs a message.
func (l *Logger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelError, msg, keysAndValues)
}

type tupler interface {
	Tuples() []interface{}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, keysAndValues []interface{}) {
	if !l.l.Enabled(ctx, level) {
		return
	}

	args := append([]interface{}{}, ctxd.Fields(ctx)...)

	for i := 0; i < len(keysAndValues); i++ {
		args = append(args, keysAndValues[i])

		if i%2 == 0 {
			continue
		}

		// Fields of wrapped errors are added next to the error.
		if err, ok := keysAndValues[i].(error); ok {
			var t tupler
			if errors.As(err, &t) {
				args = append(args, t.Tuples()...)
			}
		}
	}

	l.l.Log(ctx, level, msg, args...)
}
