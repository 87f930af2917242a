package exporter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Progress holds the live counters of a run. All fields are updated
// atomically and may be read while workers are running.
type Progress struct {
	batchesTotal     atomic.Int64
	batchesCompleted atomic.Int64
	batchesFailed    atomic.Int64
	keysExported     atomic.Int64
	keysMissing      atomic.Int64
	keysFailed       atomic.Int64
	enumerationDone  atomic.Bool
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	// BatchesTotal counts batches handed to the workers so far.
	BatchesTotal     int64
	BatchesCompleted int64
	BatchesFailed    int64
	KeysExported     int64
	KeysMissing      int64
	KeysFailed       int64

	// EnumerationDone is true once BatchesTotal is the final batch count.
	EnumerationDone bool
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		BatchesTotal:     p.batchesTotal.Load(),
		BatchesCompleted: p.batchesCompleted.Load(),
		BatchesFailed:    p.batchesFailed.Load(),
		KeysExported:     p.keysExported.Load(),
		KeysMissing:      p.keysMissing.Load(),
		KeysFailed:       p.keysFailed.Load(),
		EnumerationDone:  p.enumerationDone.Load(),
	}
}

// Finished returns the number of batches that reached a final state.
func (s ProgressSnapshot) Finished() int64 {
	return s.BatchesCompleted + s.BatchesFailed
}

// report logs the counters every interval until ctx is done.
func (p *Progress) report(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Snapshot()
			total := any(s.BatchesTotal)
			if !s.EnumerationDone {
				total = "?"
			}
			logger.Info("export progress",
				"batches", s.Finished(),
				"total", total,
				"failed", s.BatchesFailed,
				"keys", s.KeysExported)
		}
	}
}
