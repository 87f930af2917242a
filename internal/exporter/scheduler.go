package exporter

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/kvexport/internal/metrics"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Concurrency is the number of workers. Default: 6
	Concurrency int

	// BatchRetries is how many more times a failed batch is extracted
	// before it is recorded as failed. Default: 0
	BatchRetries int

	// Progress receives live counters. Optional.
	Progress *Progress

	// OnFailure is called once per failed batch, from the worker goroutine.
	OnFailure func(FailedBatch)

	// OnSuccess is called once per merged batch, from the worker goroutine.
	OnSuccess func(Batch)

	Logger *slog.Logger
}

// Scheduler runs batches on a fixed pool of workers. A failing batch is
// logged and recorded; it never stops the other workers.
type Scheduler struct {
	extractor    Extractor
	acc          *Accumulator
	concurrency  int
	batchRetries int
	progress     *Progress
	onFailure    func(FailedBatch)
	onSuccess    func(Batch)
	logger       *slog.Logger

	mu       sync.Mutex
	failures []FailedBatch
}

// NewScheduler creates a Scheduler that merges into acc.
func NewScheduler(extractor Extractor, acc *Accumulator, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if opts.BatchRetries < 0 {
		opts.BatchRetries = 0
	}
	if opts.Progress == nil {
		opts.Progress = &Progress{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		extractor:    extractor,
		acc:          acc,
		concurrency:  opts.Concurrency,
		batchRetries: opts.BatchRetries,
		progress:     opts.Progress,
		onFailure:    opts.OnFailure,
		onSuccess:    opts.OnSuccess,
		logger:       logger.With("component", "scheduler"),
	}
}

// Run consumes batches until the channel is closed and returns the failed
// batches ordered by index. The producer must close batches, also when ctx
// is canceled. After cancellation workers stop taking new batches; batches
// still queued are recorded as failed with the context error.
func (s *Scheduler) Run(ctx context.Context, batches <-chan Batch) []FailedBatch {
	var g errgroup.Group
	for i := 0; i < s.concurrency; i++ {
		worker := i + 1
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case b, ok := <-batches:
					if !ok {
						return nil
					}
					s.process(ctx, worker, b)
				}
			}
		})
	}
	_ = g.Wait()

	for b := range batches {
		s.fail(b, &BatchExtractionError{Index: b.Index, Keys: len(b.Keys), Err: ctx.Err()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	failures := make([]FailedBatch, len(s.failures))
	copy(failures, s.failures)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	return failures
}

func (s *Scheduler) process(ctx context.Context, worker int, b Batch) {
	mode := string(s.extractor.Mode())
	start := time.Now()

	var (
		res *BatchResult
		err error
	)
	for attempt := 0; attempt <= s.batchRetries; attempt++ {
		res, err = s.extractor.Extract(ctx, b)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < s.batchRetries {
			s.logger.Warn("batch failed, retrying",
				"batchIndex", b.Index,
				"attempt", attempt+1,
				"error", err)
		}
	}
	metrics.BatchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		s.fail(b, err)
		return
	}

	s.acc.Merge(res)
	s.progress.batchesCompleted.Add(1)
	s.progress.keysExported.Add(int64(len(res.Records)))
	s.progress.keysMissing.Add(int64(len(res.Missing)))
	s.progress.keysFailed.Add(int64(len(res.Failed)))
	metrics.Batches.WithLabelValues(mode, "ok").Inc()
	metrics.KeysExported.WithLabelValues(mode).Add(float64(len(res.Records)))
	metrics.KeysSkipped.WithLabelValues(mode).Add(float64(len(res.Missing) + len(res.Failed)))

	if len(res.Records) == 0 {
		s.logger.Warn("batch produced no data", "batchIndex", b.Index, "worker", worker)
	} else {
		s.logger.Debug("batch completed",
			"batchIndex", b.Index,
			"worker", worker,
			"keys", len(res.Records),
			"missing", len(res.Missing),
			"failed", len(res.Failed),
			"duration", time.Since(start))
	}

	if s.onSuccess != nil {
		s.onSuccess(b)
	}
}

func (s *Scheduler) fail(b Batch, err error) {
	fb := FailedBatch{Index: b.Index, Keys: b.Keys, Err: err}

	s.progress.batchesFailed.Add(1)
	metrics.Batches.WithLabelValues(string(s.extractor.Mode()), "failed").Inc()

	var first string
	if len(b.Keys) > 0 {
		first = b.Keys[0]
	}
	s.logger.Error("batch failed",
		"batchIndex", b.Index,
		"keys", len(b.Keys),
		"firstKey", first,
		"error", err)

	s.mu.Lock()
	s.failures = append(s.failures, fb)
	s.mu.Unlock()

	if s.onFailure != nil {
		s.onFailure(fb)
	}
}
