package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler writes one short line per record for an operator watching
// an export:
//
//	15:04:05.000 WARN  [scheduler] batch failed batchIndex=3 error="502 bad gateway"
//
// The "component" attribute is lifted into the bracketed prefix.
type ConsoleHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	level     slog.Leveler
	component string
	attrs     []byte
	groups    string
}

// NewConsoleHandler creates a console handler writing to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ConsoleHandler{w: w, mu: &sync.Mutex{}, level: level}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = t.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, ' ')
	buf = appendLevel(buf, r.Level)

	component := h.component
	rest := make([]byte, 0, 128)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && h.groups == "" {
			component = a.Value.String()
			return true
		}
		rest = appendAttr(rest, h.groups, a)
		return true
	})

	if component != "" {
		buf = append(buf, '[')
		buf = append(buf, component...)
		buf = append(buf, "] "...)
	}
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	buf = append(buf, rest...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.groups == "" {
			h2.component = a.Value.String()
			continue
		}
		h2.attrs = appendAttr(h2.attrs, h.groups, a)
	}
	return &h2
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = h.groups + name + "."
	return &h2
}

func appendLevel(buf []byte, level slog.Level) []byte {
	s := level.String()
	buf = append(buf, s...)
	for i := len(s); i < 6; i++ {
		buf = append(buf, ' ')
	}
	return buf
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, p, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	switch a.Value.Kind() {
	case slog.KindString:
		return appendString(buf, a.Value.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, a.Value.Int64(), 10)
	case slog.KindDuration:
		return append(buf, a.Value.Duration().Round(time.Millisecond).String()...)
	case slog.KindTime:
		return a.Value.Time().AppendFormat(buf, time.RFC3339)
	default:
		return appendString(buf, a.Value.String())
	}
}

func appendString(buf []byte, s string) []byte {
	if s == "" || strings.ContainsAny(s, " \"=\t\n\\") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}
