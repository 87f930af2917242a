package exporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/kvexport/internal/snapshot"
)

// stubExtractor fails the batches listed in failures a given number of times.
type stubExtractor struct {
	mu       sync.Mutex
	failures map[int]int
	calls    map[int]int
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newStubExtractor(failures map[int]int) *stubExtractor {
	if failures == nil {
		failures = map[int]int{}
	}
	return &stubExtractor{failures: failures, calls: map[int]int{}}
}

func (x *stubExtractor) Mode() Mode { return ModeOptimized }

func (x *stubExtractor) Extract(ctx context.Context, b Batch) (*BatchResult, error) {
	n := x.inFlight.Add(1)
	defer x.inFlight.Add(-1)
	for {
		peak := x.peak.Load()
		if n <= peak || x.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if x.delay > 0 {
		select {
		case <-time.After(x.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	x.mu.Lock()
	x.calls[b.Index]++
	fail := x.failures[b.Index] > 0
	if fail {
		x.failures[b.Index]--
	}
	x.mu.Unlock()

	if fail {
		return nil, &BatchExtractionError{Index: b.Index, Keys: len(b.Keys), Err: errors.New("upstream unavailable")}
	}
	return resultFor(b.Index, b.Keys...), nil
}

func (x *stubExtractor) callsFor(index int) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[index]
}

func queue(batches ...Batch) <-chan Batch {
	ch := make(chan Batch, len(batches))
	for _, b := range batches {
		ch <- b
	}
	close(ch)
	return ch
}

func numberedBatches(n int) []Batch {
	out := make([]Batch, n)
	for i := range out {
		out[i] = Batch{Index: i + 1, Keys: []string{string(rune('a'+i)) + "1", string(rune('a'+i)) + "2"}}
	}
	return out
}

func TestScheduler_AllBatchesMerged(t *testing.T) {
	x := newStubExtractor(nil)
	x.delay = 5 * time.Millisecond
	acc := NewAccumulator(nil)
	progress := &Progress{}

	var succeeded atomic.Int32
	s := NewScheduler(x, acc, SchedulerOptions{
		Concurrency: 4,
		Progress:    progress,
		OnSuccess:   func(Batch) { succeeded.Add(1) },
		Logger:      testLogger(),
	})

	failures := s.Run(context.Background(), queue(numberedBatches(12)...))
	assert.Empty(t, failures)

	assert.Equal(t, 24, acc.Len())
	assert.Equal(t, 12, acc.Batches())
	assert.Equal(t, int32(12), succeeded.Load())
	assert.LessOrEqual(t, x.peak.Load(), int32(4))

	p := progress.Snapshot()
	assert.Equal(t, int64(12), p.BatchesCompleted)
	assert.Equal(t, int64(0), p.BatchesFailed)
	assert.Equal(t, int64(24), p.KeysExported)
}

func TestScheduler_FailedBatchDoesNotStopOthers(t *testing.T) {
	x := newStubExtractor(map[int]int{3: 1})
	acc := NewAccumulator(nil)

	var recorded []FailedBatch
	var mu sync.Mutex
	s := NewScheduler(x, acc, SchedulerOptions{
		Concurrency: 3,
		OnFailure: func(fb FailedBatch) {
			mu.Lock()
			recorded = append(recorded, fb)
			mu.Unlock()
		},
		Logger: testLogger(),
	})

	batches := numberedBatches(5)
	failures := s.Run(context.Background(), queue(batches...))

	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Index)
	assert.Equal(t, batches[2].Keys, failures[0].Keys)
	var batchErr *BatchExtractionError
	assert.ErrorAs(t, failures[0].Err, &batchErr)

	require.Len(t, recorded, 1)
	assert.Equal(t, 3, recorded[0].Index)

	assert.Equal(t, 4, acc.Batches())
	keys := acc.Seal()
	assert.Len(t, keys, 8)
	for _, k := range batches[2].Keys {
		assert.NotContains(t, keys, k)
	}
}

func TestScheduler_BatchRetries(t *testing.T) {
	x := newStubExtractor(map[int]int{1: 2, 2: 5})
	acc := NewAccumulator(nil)
	s := NewScheduler(x, acc, SchedulerOptions{Concurrency: 2, BatchRetries: 2, Logger: testLogger()})

	failures := s.Run(context.Background(), queue(numberedBatches(2)...))

	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Index)
	assert.Equal(t, 3, x.callsFor(1), "recovered on the last retry")
	assert.Equal(t, 3, x.callsFor(2), "one attempt plus two retries")
	assert.Equal(t, 1, acc.Batches())
}

func TestScheduler_FailuresSortedByIndex(t *testing.T) {
	x := newStubExtractor(map[int]int{2: 1, 5: 1, 7: 1})
	s := NewScheduler(x, NewAccumulator(nil), SchedulerOptions{Concurrency: 4, Logger: testLogger()})

	failures := s.Run(context.Background(), queue(numberedBatches(8)...))

	indexes := make([]int, len(failures))
	for i, fb := range failures {
		indexes[i] = fb.Index
	}
	assert.Equal(t, []int{2, 5, 7}, indexes)
}

func TestScheduler_CancelDrainsQueuedBatches(t *testing.T) {
	x := newStubExtractor(nil)
	x.delay = time.Hour
	acc := NewAccumulator(nil)
	progress := &Progress{}
	s := NewScheduler(x, acc, SchedulerOptions{Concurrency: 2, Progress: progress, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan []FailedBatch)
	go func() { done <- s.Run(ctx, queue(numberedBatches(6)...)) }()

	var failures []FailedBatch
	select {
	case failures = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	require.Len(t, failures, 6, "in-flight and queued batches are all recorded")
	for _, fb := range failures {
		assert.ErrorIs(t, fb.Err, context.Canceled)
	}
	assert.Equal(t, 0, acc.Len())

	p := progress.Snapshot()
	assert.Equal(t, int64(6), p.Finished())
	assert.Equal(t, int64(6), p.BatchesFailed)
}

func TestScheduler_EmptyQueue(t *testing.T) {
	x := newStubExtractor(nil)
	s := NewScheduler(x, NewAccumulator(nil), SchedulerOptions{Logger: testLogger()})

	assert.Empty(t, s.Run(context.Background(), queue()))
}

func TestScheduler_EmptyResultStillMerged(t *testing.T) {
	acc := NewAccumulator(nil)
	s := NewScheduler(emptyExtractor{}, acc, SchedulerOptions{Concurrency: 1, Logger: testLogger()})

	failures := s.Run(context.Background(), queue(Batch{Index: 1, Keys: []string{"gone"}}))
	assert.Empty(t, failures)
	assert.Equal(t, 1, acc.Batches())
	assert.Equal(t, 0, acc.Len())
}

type emptyExtractor struct{}

func (emptyExtractor) Mode() Mode { return ModeFull }

func (emptyExtractor) Extract(_ context.Context, b Batch) (*BatchResult, error) {
	return &BatchResult{Index: b.Index, Records: map[string]snapshot.Record{}, Missing: b.Keys}, nil
}
