package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockHandler is a test handler that can be configured to fail
type mockHandler struct {
	enabled   bool
	handleErr error
	handled   int
}

func (h *mockHandler) Enabled(_ context.Context, _ slog.Level) bool { return h.enabled }

func (h *mockHandler) Handle(_ context.Context, _ slog.Record) error {
	h.handled++
	return h.handleErr
}

func (h *mockHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *mockHandler) WithGroup(string) slog.Handler      { return h }

func TestLevelFilter_OnlyErrorsAndWarnings(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewLevelFilter(handler, slog.LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
}

func TestLevelFilter_Enabled(t *testing.T) {
	f := NewLevelFilter(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}), slog.LevelWarn)
	ctx := context.Background()

	assert.False(t, f.Enabled(ctx, slog.LevelInfo))
	assert.False(t, f.Enabled(ctx, slog.LevelWarn), "wrapped handler still decides")
	assert.True(t, f.Enabled(ctx, slog.LevelError))
}

func TestLevelFilter_HandleDropsLowRecords(t *testing.T) {
	inner := &mockHandler{enabled: true}
	f := NewLevelFilter(inner, slog.LevelWarn)

	assert.NoError(t, f.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0)))
	assert.Equal(t, 0, inner.handled)
	assert.NoError(t, f.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelError, "x", 0)))
	assert.Equal(t, 1, inner.handled)
}

func TestLevelFilter_WithAttrsAndGroup(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	f := NewLevelFilter(handler, slog.LevelWarn)

	logger := slog.New(f.WithAttrs([]slog.Attr{slog.String("component", "scheduler")}).WithGroup("batch"))
	logger.Info("dropped")
	logger.Warn("kept", "index", 3)

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "component=scheduler")
	assert.Contains(t, buf.String(), "batch.index=3")
}

func TestMultiHandler_FansOut(t *testing.T) {
	buf1, buf2 := &bytes.Buffer{}, &bytes.Buffer{}
	multi := NewMultiHandler(
		slog.NewTextHandler(buf1, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(buf2, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(multi).With("component", "exporter")

	logger.Info("info only")
	logger.Warn("both")

	assert.Contains(t, buf1.String(), "info only")
	assert.NotContains(t, buf2.String(), "info only")
	assert.Contains(t, buf1.String(), "both")
	assert.Contains(t, buf2.String(), "component=exporter")
}

func TestMultiHandler_Enabled(t *testing.T) {
	ctx := context.Background()
	assert.False(t, NewMultiHandler().Enabled(ctx, slog.LevelError))
	assert.False(t, NewMultiHandler(&mockHandler{}).Enabled(ctx, slog.LevelError))
	assert.True(t, NewMultiHandler(&mockHandler{}, &mockHandler{enabled: true}).Enabled(ctx, slog.LevelInfo))
}

func TestMultiHandler_ErrorDoesNotStopOthers(t *testing.T) {
	errA := errors.New("console closed")
	failing := &mockHandler{enabled: true, handleErr: errA}
	healthy := &mockHandler{enabled: true}
	disabled := &mockHandler{}

	err := NewMultiHandler(failing, healthy, disabled).Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0))

	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 1, healthy.handled)
	assert.Equal(t, 0, disabled.handled)
}
