package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/snapshot"
)

// Config holds the settings of one export run.
type Config struct {
	// Mode selects the extraction strategy.
	Mode Mode

	// BatchSize is the number of keys per batch.
	// Default: 500
	BatchSize int

	// ScanCount is the COUNT hint of each SCAN call.
	// Default: BatchSize
	ScanCount int

	// Concurrency is the number of extraction workers.
	// Default: 6
	Concurrency int

	// Match restricts the export to keys matching a SCAN pattern.
	Match string

	// BatchRetries re-runs a failed batch before recording it as failed.
	BatchRetries int

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration

	// ProgressInterval is how often progress is logged. Zero disables it.
	ProgressInterval time.Duration

	// Retry applies to every individual remote call.
	Retry RetryPolicy

	// SourceURL identifies the source in the snapshot metadata.
	SourceURL string
}

// DefaultConfig returns the default export configuration.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeOptimized,
		BatchSize:        500,
		Concurrency:      6,
		ProgressInterval: 5 * time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

// FailureJournal persists failed batches so they can be replayed later.
type FailureJournal interface {
	Record(runID string, mode Mode, fb FailedBatch) error
	Resolve(runID string, index int) error
}

// Options holds the collaborators of an Exporter.
type Options struct {
	// Journal receives failed batches. Optional.
	Journal FailureJournal

	// RunID overrides the generated run identifier.
	RunID string

	Logger *slog.Logger
}

// Result is the outcome of a run.
type Result struct {
	// Snapshot holds everything merged. Metadata.Partial is set whenever
	// the report status is not success.
	Snapshot *snapshot.Snapshot
	Report   Report
}

// Exporter coordinates the Enumerator, Scheduler and Accumulator into one
// run. An Exporter runs one export at a time.
type Exporter struct {
	cfg       Config
	client    kvstore.Client
	extractor Extractor
	journal   FailureJournal
	runID     string
	logger    *slog.Logger

	progress atomic.Pointer[Progress]
	now      func() time.Time
}

// New validates cfg and creates an Exporter.
func New(cfg Config, client kvstore.Client, opts Options) (*Exporter, error) {
	if client == nil {
		return nil, errors.New("exporter: client is required")
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = cfg.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("runID", runID)

	extractor, err := NewExtractor(cfg.Mode, client, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}

	e := &Exporter{
		cfg:       cfg,
		client:    client,
		extractor: extractor,
		journal:   opts.Journal,
		runID:     runID,
		logger:    logger.With("component", "exporter"),
		now:       time.Now,
	}
	e.progress.Store(&Progress{})
	return e, nil
}

// RunID returns the identifier of the run.
func (e *Exporter) RunID() string {
	return e.runID
}

// Progress returns the live counters of the current or last run.
func (e *Exporter) Progress() ProgressSnapshot {
	return e.progress.Load().Snapshot()
}

// Run exports the whole key space. Batch failures make the result partial
// but do not fail the run; a broken enumeration or a run canceled before the
// key space was fully enumerated fails it with an *ExportError.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	start := e.now()
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	progress := &Progress{}
	e.progress.Store(progress)

	e.logger.Info("starting export",
		"mode", e.cfg.Mode,
		"batchSize", e.cfg.BatchSize,
		"concurrency", e.cfg.Concurrency,
		"match", e.cfg.Match)

	acc := NewAccumulator(nil)
	sched := e.newScheduler(acc, progress, false)
	enumerator := NewEnumerator(e.client, EnumeratorOptions{
		BatchSize: e.cfg.BatchSize,
		PageSize:  e.cfg.ScanCount,
		Match:     e.cfg.Match,
		Retry:     e.cfg.Retry,
		Progress:  progress,
		Logger:    e.logger,
	})

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go progress.report(reportCtx, e.cfg.ProgressInterval, e.logger)

	batches := make(chan Batch, e.cfg.Concurrency)
	var (
		stats   EnumerationStats
		enumErr error
	)
	enumDone := make(chan struct{})
	go func() {
		defer close(enumDone)
		stats, enumErr = enumerator.Enumerate(runCtx, batches)
		if enumErr != nil {
			cancelRun()
			return
		}
		progress.enumerationDone.Store(true)
	}()

	failures := sched.Run(runCtx, batches)
	<-enumDone
	stopReport()

	keys := acc.Seal()
	p := progress.Snapshot()
	report := Report{
		RunID:          e.runID,
		Mode:           e.cfg.Mode,
		Status:         StatusSuccess,
		TotalKeys:      len(keys),
		KeysEnumerated: stats.Keys,
		MissingKeys:    int(p.KeysMissing),
		FailedKeys:     int(p.KeysFailed),
		TotalBatches:   stats.Batches,
		FailedBatches:  failures,
		Duration:       e.now().Sub(start),
	}

	var runErr error
	switch {
	case enumErr != nil:
		report.Status = StatusFailed
		runErr = &ExportError{FailedBatches: len(failures), Err: enumErr}
	case len(failures) > 0:
		report.Status = StatusPartial
	}

	snap := &snapshot.Snapshot{
		Keys: keys,
		Metadata: snapshot.Metadata{
			TotalKeys:       len(keys),
			SourceURL:       e.cfg.SourceURL,
			Method:          e.cfg.Mode.Method(),
			ExportTimestamp: start.UTC(),
			RunID:           e.runID,
			Partial:         report.Status != StatusSuccess,
			FailedBatches:   report.FailedIndexes(),
		},
	}

	e.logReport(report, runErr)
	return &Result{Snapshot: snap, Report: report}, runErr
}

// Replay extracts the given batches again and merges them into base. It is
// used to recover batches recorded as failed by an earlier run. Indexes of
// batches that still fail stay listed in the metadata.
func (e *Exporter) Replay(ctx context.Context, base *snapshot.Snapshot, batches []Batch) (*Result, error) {
	if base == nil {
		return nil, errors.New("exporter: replay needs a base snapshot")
	}
	start := e.now()
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	progress := &Progress{}
	e.progress.Store(progress)

	e.logger.Info("replaying failed batches", "batches", len(batches), "mode", e.cfg.Mode)

	queue := make(chan Batch, len(batches))
	replayed := make(map[int]struct{}, len(batches))
	for _, b := range batches {
		queue <- b
		replayed[b.Index] = struct{}{}
	}
	close(queue)
	progress.batchesTotal.Store(int64(len(batches)))
	progress.enumerationDone.Store(true)

	acc := NewAccumulator(base.Keys)
	failures := e.newScheduler(acc, progress, true).Run(ctx, queue)
	keys := acc.Seal()

	remaining := make(map[int]struct{})
	for _, idx := range base.Metadata.FailedBatches {
		if _, ok := replayed[idx]; !ok {
			remaining[idx] = struct{}{}
		}
	}
	for _, fb := range failures {
		remaining[fb.Index] = struct{}{}
	}
	failedIdx := make([]int, 0, len(remaining))
	for idx := range remaining {
		failedIdx = append(failedIdx, idx)
	}
	sort.Ints(failedIdx)

	p := progress.Snapshot()
	report := Report{
		RunID:          e.runID,
		Mode:           e.cfg.Mode,
		Status:         StatusSuccess,
		TotalKeys:      len(keys),
		KeysEnumerated: len(base.Keys),
		MissingKeys:    int(p.KeysMissing),
		FailedKeys:     int(p.KeysFailed),
		TotalBatches:   len(batches),
		FailedBatches:  failures,
		Duration:       e.now().Sub(start),
	}
	if len(failedIdx) > 0 {
		report.Status = StatusPartial
	}

	meta := base.Metadata
	meta.TotalKeys = len(keys)
	meta.RunID = e.runID
	meta.Method = e.cfg.Mode.Method()
	retried := start.UTC()
	meta.RetriedAt = &retried
	meta.Partial = len(failedIdx) > 0
	meta.FailedBatches = nil
	if len(failedIdx) > 0 {
		meta.FailedBatches = failedIdx
	}
	if e.cfg.SourceURL != "" {
		meta.SourceURL = e.cfg.SourceURL
	}

	var runErr error
	if err := ctx.Err(); err != nil && len(failures) > 0 {
		runErr = &ExportError{FailedBatches: len(failures), Err: err}
		report.Status = StatusFailed
	}

	e.logReport(report, runErr)
	return &Result{Snapshot: &snapshot.Snapshot{Metadata: meta, Keys: keys}, Report: report}, runErr
}

// newScheduler wires the journal into a Scheduler. Replays also resolve
// journal entries of batches that now succeed.
func (e *Exporter) newScheduler(acc *Accumulator, progress *Progress, resolve bool) *Scheduler {
	opts := SchedulerOptions{
		Concurrency:  e.cfg.Concurrency,
		BatchRetries: e.cfg.BatchRetries,
		Progress:     progress,
		Logger:       e.logger,
	}
	if e.journal != nil {
		opts.OnFailure = func(fb FailedBatch) {
			if err := e.journal.Record(e.runID, e.cfg.Mode, fb); err != nil {
				e.logger.Warn("failed to journal batch", "batchIndex", fb.Index, "error", err)
			}
		}
	}
	if e.journal != nil && resolve {
		opts.OnSuccess = func(b Batch) {
			if err := e.journal.Resolve(e.runID, b.Index); err != nil {
				e.logger.Warn("failed to resolve journaled batch", "batchIndex", b.Index, "error", err)
			}
		}
	}
	return NewScheduler(e.extractor, acc, opts)
}

func (e *Exporter) logReport(r Report, err error) {
	attrs := []any{
		"status", r.Status,
		"keys", r.TotalKeys,
		"enumerated", r.KeysEnumerated,
		"missing", r.MissingKeys,
		"failedKeys", r.FailedKeys,
		"batches", r.TotalBatches,
		"failedBatches", len(r.FailedBatches),
		"duration", r.Duration,
	}
	switch r.Status {
	case StatusSuccess:
		e.logger.Info("export completed", attrs...)
	case StatusPartial:
		e.logger.Warn("export completed with failed batches",
			append(attrs, "failedIndexes", fmt.Sprint(r.FailedIndexes()))...)
	default:
		e.logger.Error("export failed", append(attrs, "error", err)...)
	}
}
