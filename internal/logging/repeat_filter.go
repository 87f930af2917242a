package logging

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const maxTrackedRecords = 1024

// RepeatFilter drops a record when an identical one (same level, message and
// attributes, ignoring time) passed within the window. The next record let
// through after the window carries a "suppressed" count. A retry storm then
// shows up on the console as one line per window instead of one per attempt.
//
// Handlers derived with WithAttrs or WithGroup share the filter state.
type RepeatFilter struct {
	handler slog.Handler
	scope   uint64
	state   *repeatState
}

type repeatState struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[uint64]*repeatEntry
}

type repeatEntry struct {
	since      time.Time
	suppressed int
	record     slog.Record
	handler    slog.Handler
}

// NewRepeatFilter wraps handler. A window <= 0 disables suppression.
func NewRepeatFilter(handler slog.Handler, window time.Duration) *RepeatFilter {
	return &RepeatFilter{
		handler: handler,
		state: &repeatState{
			window:  window,
			now:     time.Now,
			entries: make(map[uint64]*repeatEntry),
		},
	}
}

func (h *RepeatFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *RepeatFilter) Handle(ctx context.Context, r slog.Record) error {
	s := h.state
	if s.window <= 0 {
		return h.handler.Handle(ctx, r)
	}
	key := h.hashRecord(r)
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && now.Sub(e.since) < s.window {
		e.suppressed++
		s.mu.Unlock()
		return nil
	}
	suppressed := 0
	if ok {
		suppressed = e.suppressed
	}
	if len(s.entries) >= maxTrackedRecords {
		s.pruneLocked(now)
	}
	s.entries[key] = &repeatEntry{since: now, record: r.Clone(), handler: h.handler}
	s.mu.Unlock()

	if suppressed > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed", suppressed))
	}
	return h.handler.Handle(ctx, r)
}

// Flush writes one record for every entry with suppressed repeats, so that
// nothing is silently lost when the process exits.
func (h *RepeatFilter) Flush() error {
	s := h.state
	s.mu.Lock()
	var pending []*repeatEntry
	for key, e := range s.entries {
		if e.suppressed > 0 {
			pending = append(pending, e)
		}
		delete(s.entries, key)
	}
	s.mu.Unlock()

	var firstErr error
	for _, e := range pending {
		r := e.record.Clone()
		r.AddAttrs(slog.Int("suppressed", e.suppressed))
		if err := e.handler.Handle(context.Background(), r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *RepeatFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	d := xxhash.New()
	d.WriteString(strconv.FormatUint(h.scope, 16))
	for _, a := range attrs {
		d.WriteString(a.String())
		d.WriteString("|")
	}
	return &RepeatFilter{handler: h.handler.WithAttrs(attrs), scope: d.Sum64(), state: h.state}
}

func (h *RepeatFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RepeatFilter{
		handler: h.handler.WithGroup(name),
		scope:   xxhash.Sum64String(strconv.FormatUint(h.scope, 16) + "/" + name),
		state:   h.state,
	}
}

func (h *RepeatFilter) hashRecord(r slog.Record) uint64 {
	d := xxhash.New()
	d.WriteString(strconv.FormatUint(h.scope, 16))
	d.WriteString("|")
	d.WriteString(r.Level.String())
	d.WriteString("|")
	d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		d.WriteString("|")
		d.WriteString(a.String())
		return true
	})
	return d.Sum64()
}

// pruneLocked drops entries whose window has passed. Callers hold mu.
func (s *repeatState) pruneLocked(now time.Time) {
	for key, e := range s.entries {
		if now.Sub(e.since) >= s.window && e.suppressed == 0 {
			delete(s.entries, key)
		}
	}
}
