package exporter

import (
	"maps"
	"sync"

	"github.com/syntrixbase/kvexport/internal/snapshot"
)

// Accumulator owns the shared key mapping while workers are running. All
// mutations go through Merge under a single lock.
type Accumulator struct {
	mu      sync.Mutex
	keys    map[string]snapshot.Record
	batches map[int]struct{}
	sealed  bool
}

// NewAccumulator creates an accumulator, optionally seeded with records from
// an earlier snapshot.
func NewAccumulator(seed map[string]snapshot.Record) *Accumulator {
	keys := make(map[string]snapshot.Record, len(seed))
	maps.Copy(keys, seed)
	return &Accumulator{
		keys:    keys,
		batches: make(map[int]struct{}),
	}
}

// Merge applies a batch result and returns how many keys were new to the
// mapping. Merging the same result again leaves the mapping unchanged.
// Merging after Seal panics.
func (a *Accumulator) Merge(res *BatchResult) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		panic("exporter: merge into sealed accumulator")
	}

	added := 0
	for key, rec := range res.Records {
		if _, ok := a.keys[key]; !ok {
			added++
		}
		a.keys[key] = rec
	}
	a.batches[res.Index] = struct{}{}
	return added
}

// Len returns the number of keys merged so far.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

// Batches returns the number of distinct batches merged so far.
func (a *Accumulator) Batches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// Seal stops further merges and hands the mapping to the caller.
func (a *Accumulator) Seal() map[string]snapshot.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	return a.keys
}
