package utils

import (
	"context"
	"errors"
	"log/slog"
)

// LogFanout duplicates slog records across several handlers, so the CLI can
// show colored output on the terminal while keeping a plain copy in the
// process log file.
type LogFanout struct {
	targets []slog.Handler
}

func NewLogFanout(targets ...slog.Handler) *LogFanout {
	return &LogFanout{targets: targets}
}

// Enabled reports whether any target wants records at this level.
func (f *LogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, t := range f.targets {
		if t.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every interested target. A failing target
// does not stop delivery to the rest; their errors are joined. Each target
// gets its own copy of the record, as required of handlers that retain it.
func (f *LogFanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, t := range f.targets {
		if !t.Enabled(ctx, r.Level) {
			continue
		}
		if err := t.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *LogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	targets := make([]slog.Handler, len(f.targets))
	for i, t := range f.targets {
		targets[i] = t.WithAttrs(attrs)
	}
	return NewLogFanout(targets...)
}

func (f *LogFanout) WithGroup(name string) slog.Handler {
	targets := make([]slog.Handler, len(f.targets))
	for i, t := range f.targets {
		targets[i] = t.WithGroup(name)
	}
	return NewLogFanout(targets...)
}
