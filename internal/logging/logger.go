// Package logging configures the process-wide slog logger: a console handler
// on stderr and rotating log files.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/kvexport/internal/config"
)

const (
	mainLogFile  = "kvexport.log"
	errorLogFile = "errors.log"
)

// console is where the console handler writes. Replaced in tests.
var console io.Writer = os.Stderr

// open tracks what Shutdown has to flush and close.
var open resources

type resources struct {
	mu      sync.Mutex
	files   []*lumberjack.Logger
	filters []*RepeatFilter
}

func (r *resources) track(files []*lumberjack.Logger, filter *RepeatFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, files...)
	if filter != nil {
		r.filters = append(r.filters, filter)
	}
}

func (r *resources) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, f := range r.filters {
		if err := f.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush console log: %w", err))
		}
	}
	for _, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", f.Filename, err))
		}
	}
	r.filters, r.files = nil, nil
	return errors.Join(errs...)
}

// Initialize builds the logger from cfg and makes it the slog default.
func Initialize(cfg config.LoggingConfig) (*slog.Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Debug("Logging initialized",
		"level", cfg.Level,
		"dir", cfg.Dir,
		"console", cfg.Console.Enabled,
		"file", cfg.File.Enabled)
	return logger, nil
}

// NewLogger builds a logger writing to every enabled sink. With no sink
// enabled the logger discards everything.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var sinks []slog.Handler

	if cfg.Console.Enabled {
		sinks = append(sinks, consoleSink(cfg.Console))
	}
	if cfg.File.Enabled {
		files, err := fileSinks(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, files...)
	}

	switch len(sinks) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	case 1:
		return slog.New(sinks[0]), nil
	default:
		return slog.New(NewMultiHandler(sinks...)), nil
	}
}

// Shutdown reports suppressed console repeats and closes the log files.
func Shutdown() error {
	return open.release()
}

func consoleSink(cfg config.ConsoleConfig) slog.Handler {
	level := parseLevel(cfg.Level)

	var h slog.Handler
	switch cfg.Format {
	case "", "compact":
		h = NewConsoleHandler(console, level)
	default:
		h = createHandler(console, cfg.Format, level)
	}

	if cfg.SuppressRepeats <= 0 {
		return h
	}
	filter := NewRepeatFilter(h, cfg.SuppressRepeats)
	open.track(nil, filter)
	return filter
}

// fileSinks returns the handler of kvexport.log, which takes every record at
// the file level, and of errors.log, which only takes warnings and errors.
func fileSinks(cfg config.LoggingConfig) ([]slog.Handler, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	main := rotatingFile(filepath.Join(cfg.Dir, mainLogFile), cfg.Rotation)
	errs := rotatingFile(filepath.Join(cfg.Dir, errorLogFile), cfg.Rotation)
	open.track([]*lumberjack.Logger{main, errs}, nil)

	return []slog.Handler{
		createHandler(main, cfg.File.Format, parseLevel(cfg.File.Level)),
		NewLevelFilter(createHandler(errs, cfg.File.Format, slog.LevelWarn), slog.LevelWarn),
	}, nil
}

func rotatingFile(path string, rotation config.RotationConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAge,
		Compress:   rotation.Compress,
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
