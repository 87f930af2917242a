package exporter

import (
	"context"
	"log/slog"

	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/metrics"
)

// EnumeratorOptions configures an Enumerator.
type EnumeratorOptions struct {
	// BatchSize is the number of keys per emitted batch.
	BatchSize int

	// PageSize is the COUNT hint passed to SCAN. Default: BatchSize
	PageSize int

	// Match is an optional SCAN MATCH pattern.
	Match string

	Retry RetryPolicy

	// Progress counts every emitted batch. Optional.
	Progress *Progress

	Logger *slog.Logger
}

// EnumerationStats describes a completed or aborted cursor walk.
type EnumerationStats struct {
	Pages      int
	EmptyPages int
	Keys       int
	Duplicates int
	Batches    int
}

// Enumerator walks the SCAN cursor of a store exactly once per Enumerate call.
type Enumerator struct {
	client    kvstore.Client
	batchSize int
	pageSize  int
	match     string
	retry     RetryPolicy
	progress  *Progress
	logger    *slog.Logger
}

// NewEnumerator creates an Enumerator.
func NewEnumerator(client kvstore.Client, opts EnumeratorOptions) *Enumerator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.PageSize <= 0 {
		opts.PageSize = opts.BatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{
		client:    client,
		batchSize: opts.BatchSize,
		pageSize:  opts.PageSize,
		match:     opts.Match,
		retry:     opts.Retry,
		progress:  opts.Progress,
		logger:    logger.With("component", "enumerator"),
	}
}

// Enumerate walks the key space from the start cursor and sends disjoint
// batches of up to BatchSize keys to out, closing out when it returns.
//
// The walk ends only when SCAN returns the terminal cursor; a page with no
// keys and a non-terminal cursor is skipped. A key returned more than once
// by SCAN is emitted once. A scan call that keeps failing beyond the retry
// budget aborts the walk with an *EnumerationError.
func (e *Enumerator) Enumerate(ctx context.Context, out chan<- Batch) (EnumerationStats, error) {
	defer close(out)

	var stats EnumerationStats
	seen := make(map[string]struct{})
	pending := make([]string, 0, e.batchSize)

	emit := func(keys []string) error {
		select {
		case out <- Batch{Index: stats.Batches + 1, Keys: keys}:
			stats.Batches++
			if e.progress != nil {
				e.progress.batchesTotal.Add(1)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cursor := kvstore.TerminalCursor
	for {
		var (
			next string
			keys []string
		)
		attempts, err := e.retry.do(ctx, e.logger, "scan", func(ctx context.Context) error {
			var err error
			next, keys, err = e.client.Scan(ctx, cursor, e.pageSize, e.match)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, &EnumerationError{Cursor: cursor, Attempts: attempts, Err: err}
		}

		stats.Pages++
		metrics.ScanPages.Inc()
		if len(keys) == 0 {
			stats.EmptyPages++
		}

		for _, k := range keys {
			if _, dup := seen[k]; dup {
				stats.Duplicates++
				continue
			}
			seen[k] = struct{}{}
			stats.Keys++
			pending = append(pending, k)

			if len(pending) == e.batchSize {
				if err := emit(pending); err != nil {
					return stats, err
				}
				pending = make([]string, 0, e.batchSize)
			}
		}

		if stats.Pages%10 == 0 {
			e.logger.Info("scanning keys", "pages", stats.Pages, "keys", stats.Keys)
		}

		if next == kvstore.TerminalCursor {
			break
		}
		cursor = next
	}

	if len(pending) > 0 {
		if err := emit(pending); err != nil {
			return stats, err
		}
	}

	e.logger.Info("key enumeration completed",
		"keys", stats.Keys,
		"pages", stats.Pages,
		"emptyPages", stats.EmptyPages,
		"duplicates", stats.Duplicates,
		"batches", stats.Batches)
	return stats, nil
}

// Batches runs a full walk and collects every batch.
func (e *Enumerator) Batches(ctx context.Context) ([]Batch, EnumerationStats, error) {
	out := make(chan Batch)
	var batches []Batch
	done := make(chan struct{})
	go func() {
		defer close(done)
		for b := range out {
			batches = append(batches, b)
		}
	}()

	stats, err := e.Enumerate(ctx, out)
	<-done
	return batches, stats, err
}
