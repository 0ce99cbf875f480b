package dripflow

import (
	"context"
	"log/slog"
)

func defaultInfoLog(ev LogEvent) {
	slog.Default().LogAttrs(context.Background(), slog.LevelInfo, ev.Message, ev.Attrs()...)
}

func defaultErrorLog(ev LogEvent) {
	slog.Default().LogAttrs(context.Background(), slog.LevelError, ev.Message, ev.Attrs()...)
}

// Attrs returns the populated fields of the event as slog attributes.
func (ev LogEvent) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 6)
	if ev.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", ev.WorkerID))
	}
	if ev.JobID != nil {
		attrs = append(attrs, slog.String("job_id", *ev.JobID))
	}
	if ev.JobKey != "" {
		attrs = append(attrs, slog.String("job_key", ev.JobKey))
	}
	if ev.Operation != nil {
		attrs = append(attrs, slog.String("operation", *ev.Operation))
	}
	if ev.Duration != nil {
		attrs = append(attrs, slog.Duration("duration", *ev.Duration))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	return attrs
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if c.InfoLog == nil {
		defaultInfoLog(ev)
		return
	}
	c.InfoLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if c.ErrorLog == nil {
		defaultErrorLog(ev)
		return
	}
	c.ErrorLog(ev)
}
