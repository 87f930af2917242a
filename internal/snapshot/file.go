package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the snapshot lock.
var ErrLocked = errors.New("snapshot file is locked by another process")

// FileOptions configures a File.
type FileOptions struct {
	// Path is the destination of the JSON document.
	Path string

	// LockTimeout bounds how long Write waits for the lock. Default: 5s
	LockTimeout time.Duration

	Logger *slog.Logger
}

// File reads and writes a snapshot on the local filesystem. Writes go to a
// temporary file in the same directory and are renamed into place while an
// exclusive lock on <path>.lock is held.
type File struct {
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewFile creates a snapshot file handle.
func NewFile(opts FileOptions) (*File, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		path:        opts.Path,
		lockTimeout: timeout,
		logger:      logger.With("component", "snapshot-file"),
	}, nil
}

// Path returns the destination path.
func (f *File) Path() string {
	return f.path
}

// Write persists snap atomically and returns the size of the written file.
func (f *File) Write(ctx context.Context, snap *Snapshot) (int64, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	unlock, err := f.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return 0, fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	f.logger.Info("snapshot written",
		"path", f.path,
		"keys", len(snap.Keys),
		"bytes", info.Size())
	return info.Size(), nil
}

// Read loads the snapshot at the file's path.
func (f *File) Read() (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap := New()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", f.path, err)
	}
	if snap.Keys == nil {
		snap.Keys = make(map[string]Record)
	}
	return snap, nil
}

func (f *File) lock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	fl := flock.New(f.path + ".lock")
	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock snapshot: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			f.logger.Warn("failed to release snapshot lock", "error", err)
		}
	}, nil
}
