package logging

import (
	"context"
	"errors"
	"log/slog"
)

// LevelFilter drops records below a floor before they reach the wrapped
// handler. errors.log is built from it.
type LevelFilter struct {
	next  slog.Handler
	floor slog.Level
}

// NewLevelFilter wraps next so that only records at floor or above reach it.
func NewLevelFilter(next slog.Handler, floor slog.Level) *LevelFilter {
	return &LevelFilter{next: next, floor: floor}
}

// Enabled reports whether level passes the floor and the wrapped handler.
func (f *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	if level < f.floor {
		return false
	}
	return f.next.Enabled(ctx, level)
}

// Handle forwards r when its level passes the floor.
func (f *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < f.floor {
		return nil
	}
	return f.next.Handle(ctx, r)
}

// WithAttrs returns a filter over the wrapped handler with attrs added.
func (f *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewLevelFilter(f.next.WithAttrs(attrs), f.floor)
}

// WithGroup returns a filter over the wrapped handler with the group opened.
func (f *LevelFilter) WithGroup(name string) slog.Handler {
	return NewLevelFilter(f.next.WithGroup(name), f.floor)
}

// MultiHandler sends each record to every enabled handler. One failing sink
// does not starve the others; their errors are joined.
type MultiHandler struct {
	sinks []slog.Handler
}

// NewMultiHandler creates a handler that fans records out to sinks.
func NewMultiHandler(sinks ...slog.Handler) *MultiHandler {
	return &MultiHandler{sinks: sinks}
}

// Enabled reports whether any sink accepts level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range m.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes a clone of r to every sink enabled for its level.
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if s.Enabled(ctx, r.Level) {
			errs = append(errs, s.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a MultiHandler whose sinks all carry attrs.
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

// WithGroup returns a MultiHandler whose sinks all open the group.
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	return m.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (m *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	sinks := make([]slog.Handler, len(m.sinks))
	for i, s := range m.sinks {
		sinks[i] = fn(s)
	}
	return &MultiHandler{sinks: sinks}
}
