// Package journal persists failed export batches in PebbleDB so that a later
// run can replay exactly those batches.
//
// Layout:
//
//	!latest                      -> run ID of the most recent run
//	run/<runID>/meta             -> RunMeta
//	run/<runID>/batch/<index>    -> Entry (index zero-padded to 8 digits)
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/kvexport/internal/exporter"
)

const latestKey = "!latest"

var latestKeyBytes = []byte(latestKey)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("journal is closed")

// ErrUnknownRun is returned by Load when a run has no metadata.
var ErrUnknownRun = errors.New("unknown run")

// RunMeta describes a journaled run.
type RunMeta struct {
	Mode      string    `bson:"mode"`
	SourceURL string    `bson:"source_url"`
	Output    string    `bson:"output"`
	StartedAt time.Time `bson:"started_at"`
}

// Entry is one failed batch.
type Entry struct {
	Index    int       `bson:"index"`
	Keys     []string  `bson:"keys"`
	Error    string    `bson:"error"`
	Mode     string    `bson:"mode"`
	FailedAt time.Time `bson:"failed_at"`
}

// Run is a journaled run with its outstanding failed batches.
type Run struct {
	ID      string
	Meta    RunMeta
	Entries []Entry
}

// Batches returns the outstanding entries as batches ready for replay.
func (r *Run) Batches() []exporter.Batch {
	out := make([]exporter.Batch, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = exporter.Batch{Index: e.Index, Keys: e.Keys}
	}
	return out
}

// Options configures a Journal.
type Options struct {
	// Path is the directory of the pebble database.
	Path string

	Logger *slog.Logger
}

// Journal is a pebble-backed store of failed batches. It implements
// exporter.FailureJournal and is safe for concurrent use.
type Journal struct {
	db     *pebble.DB
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ exporter.FailureJournal = (*Journal)(nil)

// Open opens or creates the journal at opts.Path.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &Journal{
		db:     db,
		path:   opts.Path,
		logger: logger.With("component", "journal"),
		now:    time.Now,
	}, nil
}

// Path returns the journal directory.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

// Begin records the metadata of a new run and marks it as the latest.
func (j *Journal) Begin(runID string, meta RunMeta) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	value, err := bson.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}

	return j.write(func(batch *pebble.Batch) error {
		if err := batch.Set(metaKey(runID), value, nil); err != nil {
			return err
		}
		return batch.Set(latestKeyBytes, []byte(runID), nil)
	})
}

// Record implements exporter.FailureJournal. Recording the same batch again
// replaces the entry.
func (j *Journal) Record(runID string, mode exporter.Mode, fb exporter.FailedBatch) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	entry := Entry{
		Index:    fb.Index,
		Keys:     fb.Keys,
		Mode:     string(mode),
		FailedAt: j.now().UTC(),
	}
	if fb.Err != nil {
		entry.Error = fb.Err.Error()
	}
	value, err := bson.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", fb.Index, err)
	}

	if err := j.write(func(batch *pebble.Batch) error {
		return batch.Set(batchKey(runID, fb.Index), value, nil)
	}); err != nil {
		return err
	}
	j.logger.Debug("batch journaled", "runID", runID, "batchIndex", fb.Index, "keys", len(fb.Keys))
	return nil
}

// Resolve implements exporter.FailureJournal. Resolving an unknown batch is
// a no-op.
func (j *Journal) Resolve(runID string, index int) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if err := j.write(func(batch *pebble.Batch) error {
		return batch.Delete(batchKey(runID, index), nil)
	}); err != nil {
		return err
	}
	j.logger.Debug("batch resolved", "runID", runID, "batchIndex", index)
	return nil
}

// Latest returns the ID of the most recently started run, or "" when the
// journal is empty.
func (j *Journal) Latest() (string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return "", ErrClosed
	}

	value, closer, err := j.db.Get(latestKeyBytes)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read latest run: %w", err)
	}
	defer closer.Close()
	return string(value), nil
}

// Load returns the metadata and outstanding failed batches of a run, ordered
// by batch index.
func (j *Journal) Load(runID string) (*Run, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	value, closer, err := j.db.Get(metaKey(runID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return nil, fmt.Errorf("failed to read run metadata: %w", err)
	}
	run := &Run{ID: runID}
	err = bson.Unmarshal(value, &run.Meta)
	closer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode run metadata: %w", err)
	}

	prefix := batchPrefix(runID)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := bson.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry %s: %w", iter.Key(), err)
		}
		run.Entries = append(run.Entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal: %w", err)
	}
	return run, nil
}

// Runs returns the IDs of every journaled run in key order.
func (j *Journal) Runs() ([]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	prefix := []byte("run/")
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), "run/")
		if id, ok := strings.CutSuffix(rest, "/meta"); ok {
			ids = append(ids, id)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal: %w", err)
	}
	return ids, nil
}

// Forget deletes every record of a run.
func (j *Journal) Forget(runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	prefix := []byte("run/" + runID + "/")

	if err := j.write(func(batch *pebble.Batch) error {
		return batch.DeleteRange(prefix, prefixEnd(prefix), nil)
	}); err != nil {
		return err
	}

	latest, err := j.Latest()
	if err != nil {
		return err
	}
	if latest == runID {
		return j.write(func(batch *pebble.Batch) error {
			return batch.Delete(latestKeyBytes, nil)
		})
	}
	return nil
}

// Prune forgets runs started more than retention ago and returns how many
// were removed. A zero retention keeps everything.
func (j *Journal) Prune(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	ids, err := j.Runs()
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-retention)
	pruned := 0
	for _, id := range ids {
		run, err := j.Load(id)
		if err != nil {
			return pruned, err
		}
		if !run.Meta.StartedAt.Before(cutoff) {
			continue
		}
		if err := j.Forget(id); err != nil {
			return pruned, err
		}
		pruned++
	}

	if pruned > 0 {
		j.logger.Info("pruned old runs", "count", pruned, "retention", retention)
	}
	return pruned, nil
}

func (j *Journal) write(fn func(batch *pebble.Batch) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		return fmt.Errorf("failed to stage journal write: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit journal write: %w", err)
	}
	return nil
}

func validRunID(runID string) error {
	if runID == "" || strings.Contains(runID, "/") {
		return fmt.Errorf("invalid run ID %q", runID)
	}
	return nil
}

func metaKey(runID string) []byte {
	return []byte("run/" + runID + "/meta")
}

func batchPrefix(runID string) []byte {
	return []byte("run/" + runID + "/batch/")
}

func batchKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("run/%s/batch/%08d", runID, index))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
