package exporter

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/kvstore/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

// seededStore returns a store holding n string keys k0000..k(n-1).
func seededStore(t *testing.T, n int, opts memory.Options) (*memory.Store, map[string]string) {
	t.Helper()
	s := memory.New(opts)
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%04d", i)
		v := fmt.Sprintf("v%d", i)
		s.Set(k, v)
		want[k] = v
	}
	return s, want
}

// perKeyClient hides the Pipeline method of the wrapped client.
type perKeyClient struct {
	kvstore.Client
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
