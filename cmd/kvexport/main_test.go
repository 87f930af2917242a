package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/kvexport/internal/config"
	"github.com/syntrixbase/kvexport/internal/exporter"
	"github.com/syntrixbase/kvexport/internal/journal"
	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/kvstore/memory"
	"github.com/syntrixbase/kvexport/internal/snapshot"
)

type fixture struct {
	dir    string
	config string
	output string
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	for _, name := range []string{
		"SRC_REDIS_REST_URL", "SRC_REDIS_REST_TOKEN", "KVEXPORT_RATE_LIMIT",
		"KVEXPORT_MODE", "KVEXPORT_BATCH_SIZE", "KVEXPORT_CONCURRENCY", "KVEXPORT_MATCH",
		"KVEXPORT_TIMEOUT", "KVEXPORT_OUTPUT", "KVEXPORT_JOURNAL_DIR", "KVEXPORT_METRICS_ADDR",
		"KVEXPORT_LOG_LEVEL", "KVEXPORT_LOG_DIR",
	} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)

	prevLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevLogger) })

	f := &fixture{
		dir:    dir,
		config: filepath.Join(dir, "kvexport.yml"),
		output: filepath.Join(dir, "out", "dump.json"),
		store:  memory.New(memory.Options{}),
	}
	yaml := fmt.Sprintf(`source:
  url: https://eu1-test.upstash.io
  token: secret
export:
  batch_size: 2
  concurrency: 2
  progress_interval: 1h
output:
  path: %s
journal:
  enabled: true
  dir: %s
logging:
  console:
    enabled: false
    level: error
  file:
    enabled: false
    format: text
`, f.output, filepath.Join(dir, "journal"))
	require.NoError(t, os.WriteFile(f.config, []byte(yaml), 0644))

	prevClient := newClient
	newClient = func(cfg config.SourceConfig, _ *slog.Logger) (kvstore.Client, error) {
		assert.Equal(t, "https://eu1-test.upstash.io", cfg.URL)
		return f.store, nil
	}
	t.Cleanup(func() { newClient = prevClient })
	return f
}

func (f *fixture) run(args ...string) (string, error) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--config", f.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) snapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	data, err := os.ReadFile(f.output)
	require.NoError(t, err)
	snap := snapshot.New()
	require.NoError(t, json.Unmarshal(data, snap))
	return snap
}

func (f *fixture) journal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(journal.Options{Path: filepath.Join(f.dir, "journal")})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestExport_Success(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.store.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	out, err := f.run("export")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    success")
	assert.Contains(t, out, "Output:    "+f.output)

	snap := f.snapshot(t)
	assert.Equal(t, 5, snap.Metadata.TotalKeys)
	assert.Equal(t, "optimized_mget", snap.Metadata.Method)
	assert.Equal(t, "https://eu1-test.upstash.io", snap.Metadata.SourceURL)
	assert.False(t, snap.Metadata.Partial)
	require.Contains(t, snap.Keys, "k3")
	assert.Equal(t, "v3", *snap.Keys["k3"].Value)

	latest, err := f.journal(t).Latest()
	require.NoError(t, err)
	assert.Empty(t, latest, "successful runs are not kept in the journal")
}

func TestExport_FlagsOverrideConfig(t *testing.T) {
	f := newFixture(t)
	f.store.Set("user:1", "alice")
	f.store.Set("order:1", "book")
	f.store.RPush("user:list", "a", "b")

	other := filepath.Join(f.dir, "other.json")
	_, err := f.run("export", "--mode", "full", "--match", "user:*", "--output", other, "--batch-size", "1")
	require.NoError(t, err)

	f.output = other
	snap := f.snapshot(t)
	assert.Equal(t, "full_dump", snap.Metadata.Method)
	assert.Len(t, snap.Keys, 2)
	assert.Equal(t, kvstore.TypeList, snap.Keys["user:list"].Type)
	assert.NotEmpty(t, snap.Keys["user:1"].Dump)
	assert.NoFileExists(t, filepath.Join(f.dir, "out", "dump.json"))
}

func TestExport_InvalidFlag(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("export", "--mode", "turbo")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestExport_PartialThenRetry(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 6; i++ {
		f.store.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	var broken atomic.Bool
	broken.Store(true)
	f.store.SetHooks(memory.Hooks{MultiGet: func(keys []string) error {
		if broken.Load() && slices.Contains(keys, "k3") {
			return &kvstore.FatalCallError{Op: "mget", StatusCode: 400, Err: errors.New("ERR busy")}
		}
		return nil
	}})

	out, err := f.run("export")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "Status:    partial")
	assert.Contains(t, out, "kvexport retry --run")

	snap := f.snapshot(t)
	assert.True(t, snap.Metadata.Partial)
	require.Len(t, snap.Metadata.FailedBatches, 1)
	assert.NotContains(t, snap.Keys, "k3")
	assert.Len(t, snap.Keys, 4)
	runID := snap.Metadata.RunID

	j := f.journal(t)
	latest, err := j.Latest()
	require.NoError(t, err)
	assert.Equal(t, runID, latest)
	run, err := j.Load(runID)
	require.NoError(t, err)
	require.Len(t, run.Entries, 1)
	assert.Contains(t, run.Entries[0].Keys, "k3")
	assert.Equal(t, f.output, run.Meta.Output)
	require.NoError(t, j.Close())

	broken.Store(false)
	out, err = f.run("retry")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    success")

	snap = f.snapshot(t)
	assert.False(t, snap.Metadata.Partial)
	assert.Empty(t, snap.Metadata.FailedBatches)
	assert.Equal(t, runID, snap.Metadata.RunID)
	assert.Len(t, snap.Keys, 6)
	assert.Equal(t, "v3", *snap.Keys["k3"].Value)

	_, err = f.journal(t).Load(runID)
	assert.ErrorIs(t, err, journal.ErrUnknownRun)
}

func TestRetry_RefusesOtherSource(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.store.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	f.store.SetHooks(memory.Hooks{MultiGet: func(keys []string) error {
		if slices.Contains(keys, "k3") {
			return &kvstore.FatalCallError{Op: "mget", StatusCode: 400, Err: errors.New("ERR busy")}
		}
		return nil
	}})

	_, err := f.run("export")
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))
	runID := f.snapshot(t).Metadata.RunID

	t.Setenv("SRC_REDIS_REST_URL", "https://us1-other.upstash.io")
	newClient = func(config.SourceConfig, *slog.Logger) (kvstore.Client, error) {
		return memory.New(memory.Options{}), nil
	}

	_, err = f.run("retry")
	assert.ErrorContains(t, err, "configured source is https://us1-other.upstash.io")
	assert.Equal(t, 1, exitCode(err))

	snap := f.snapshot(t)
	assert.True(t, snap.Metadata.Partial)
	assert.Equal(t, "https://eu1-test.upstash.io", snap.Metadata.SourceURL)
	run, err := f.journal(t).Load(runID)
	require.NoError(t, err)
	assert.Len(t, run.Entries, 1)
}

func TestExport_EnumerationFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "1")
	f.store.SetHooks(memory.Hooks{Scan: func(int, string) error {
		return &kvstore.FatalCallError{Op: "scan", StatusCode: 401, Err: errors.New("unauthorized")}
	}})

	out, err := f.run("export")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.ErrorContains(t, err, "export failed")
	assert.Contains(t, out, "Status:    failed")
	assert.NoFileExists(t, f.output)

	latest, err := f.journal(t).Latest()
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestRetry_NothingJournaled(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("retry")
	assert.ErrorContains(t, err, "no journaled run")
}

func TestRetry_UnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("retry", "--run", "missing")
	assert.ErrorIs(t, err, journal.ErrUnknownRun)
}

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "kvexport dev\n", out.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(statusError(exporter.StatusPartial)))
	assert.Equal(t, 1, exitCode(statusError(exporter.StatusFailed)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.NoError(t, statusError(exporter.StatusSuccess))
}
