package exporter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/kvexport/internal/snapshot"
)

func resultFor(index int, keys ...string) *BatchResult {
	res := &BatchResult{Index: index, Records: make(map[string]snapshot.Record, len(keys))}
	for _, k := range keys {
		res.Records[k] = snapshot.StringRecord("v-" + k)
	}
	return res
}

func TestAccumulator_ConcurrentMerges(t *testing.T) {
	acc := NewAccumulator(nil)

	const workers, perWorker, batchSize = 8, 25, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < perWorker; b++ {
				index := w*perWorker + b + 1
				keys := make([]string, batchSize)
				for i := range keys {
					keys[i] = fmt.Sprintf("key-%d-%d", index, i)
				}
				assert.Equal(t, batchSize, acc.Merge(resultFor(index, keys...)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker*batchSize, acc.Len())
	assert.Equal(t, workers*perWorker, acc.Batches())

	keys := acc.Seal()
	assert.Len(t, keys, workers*perWorker*batchSize)
	assert.Equal(t, "v-key-1-0", *keys["key-1-0"].Value)
}

func TestAccumulator_MergeIsIdempotent(t *testing.T) {
	acc := NewAccumulator(nil)
	res := resultFor(1, "a", "b")

	assert.Equal(t, 2, acc.Merge(res))
	assert.Equal(t, 0, acc.Merge(res))
	assert.Equal(t, 2, acc.Len())
	assert.Equal(t, 1, acc.Batches())
}

func TestAccumulator_SeedIsCopied(t *testing.T) {
	seed := map[string]snapshot.Record{"old": snapshot.StringRecord("1")}
	acc := NewAccumulator(seed)

	assert.Equal(t, 1, acc.Merge(resultFor(2, "old", "new")))
	assert.Len(t, seed, 1, "seed map is not mutated")

	keys := acc.Seal()
	require.Len(t, keys, 2)
	assert.Equal(t, "v-old", *keys["old"].Value, "later batches overwrite seeded records")
}

func TestAccumulator_MergeAfterSealPanics(t *testing.T) {
	acc := NewAccumulator(nil)
	acc.Merge(resultFor(1, "a"))
	acc.Seal()

	assert.Panics(t, func() { acc.Merge(resultFor(2, "b")) })
}
