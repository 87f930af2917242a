// Package exporter copies the full contents of a remote key-value store into
// a single snapshot.
//
// Export flow:
//  1. Enumerator walks the SCAN cursor and emits disjoint batches of keys
//  2. Scheduler hands batches to a fixed pool of workers
//  3. Each worker runs the Extractor for the run's mode against the store
//  4. Accumulator merges per-batch records under a lock
//  5. Exporter computes metadata and decides success, partial or failure
package exporter

import (
	"fmt"
	"time"

	"github.com/syntrixbase/kvexport/internal/snapshot"
)

// Mode selects the extraction strategy of a run.
type Mode string

const (
	// ModeOptimized reads string values with one MGET per batch.
	ModeOptimized Mode = "optimized"
	// ModeFull reads TYPE, DUMP and PTTL of every key.
	ModeFull Mode = "full"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOptimized, ModeFull:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be optimized or full)", s)
	}
}

// Method returns the method name recorded in the snapshot metadata.
func (m Mode) Method() string {
	if m == ModeFull {
		return snapshot.MethodFull
	}
	return snapshot.MethodOptimized
}

// Batch is a self-contained unit of work: the keys a worker extracts together.
// Indexes start at 1.
type Batch struct {
	Index int
	Keys  []string
}

// BatchResult is what one successful extraction hands to the Accumulator.
type BatchResult struct {
	Index   int
	Records map[string]snapshot.Record

	// Missing holds keys that had no exportable value: absent, vanished
	// mid-extraction, or not a string in optimized mode.
	Missing []string

	// Failed holds keys whose individual calls failed.
	Failed []string
}

// FailedBatch records a batch that could not be extracted.
type FailedBatch struct {
	Index int
	Keys  []string
	Err   error
}

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Report summarizes a run. It is always produced, even when the run fails.
type Report struct {
	RunID          string
	Mode           Mode
	Status         Status
	TotalKeys      int
	KeysEnumerated int
	MissingKeys    int
	FailedKeys     int
	TotalBatches   int
	FailedBatches  []FailedBatch
	Duration       time.Duration
}

// FailedIndexes returns the indexes of failed batches in ascending order.
func (r *Report) FailedIndexes() []int {
	if len(r.FailedBatches) == 0 {
		return nil
	}
	out := make([]int, len(r.FailedBatches))
	for i, fb := range r.FailedBatches {
		out[i] = fb.Index
	}
	return out
}
