// Package logging builds the process logger and bridges the queue's log
// callbacks into it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/sky93/dripflow"
)

// Config configures the logger.
type Config struct {
	Level  string
	Format string // auto, text, json
	Output io.Writer
}

// New creates a logger. Every handler is wrapped so secrets in messages and
// string attributes are redacted.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default: // auto
		if isTerminal(cfg.Output) {
			handler = NewPrettyHandler(cfg.Output, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		}
	}
	return slog.New(NewSanitizingHandler(handler, NewSanitizer()))
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// QueueHooks returns InfoLog and ErrorLog callbacks for dripflow.Config that
// write queue events to logger under the "queue" component.
func QueueHooks(logger *slog.Logger) (info, errLog func(dripflow.LogEvent)) {
	l := logger.With(slog.String("component", "queue"))
	info = func(ev dripflow.LogEvent) {
		l.LogAttrs(context.Background(), slog.LevelInfo, ev.Message, ev.Attrs()...)
	}
	errLog = func(ev dripflow.LogEvent) {
		l.LogAttrs(context.Background(), slog.LevelError, ev.Message, ev.Attrs()...)
	}
	return info, errLog
}
