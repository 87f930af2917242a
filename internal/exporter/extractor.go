package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/snapshot"
)

// Extractor retrieves the records of one batch. Implementations are chosen
// once per run and must be safe for concurrent use.
type Extractor interface {
	Mode() Mode
	Extract(ctx context.Context, batch Batch) (*BatchResult, error)
}

// NewExtractor returns the extraction strategy for mode.
func NewExtractor(mode Mode, client kvstore.Client, retry RetryPolicy, logger *slog.Logger) (Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "extractor", "mode", string(mode))

	switch mode {
	case ModeOptimized:
		return &OptimizedExtractor{client: client, retry: retry, logger: logger}, nil
	case ModeFull:
		return &FullExtractor{client: client, retry: retry, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown extraction mode %q", mode)
	}
}

// OptimizedExtractor issues a single MGET per batch. Every key is assumed to
// be a string without expiry; keys with no string value are omitted.
type OptimizedExtractor struct {
	client kvstore.Client
	retry  RetryPolicy
	logger *slog.Logger
}

// Mode implements Extractor.
func (x *OptimizedExtractor) Mode() Mode { return ModeOptimized }

// Extract implements Extractor. A failed MGET fails the whole batch.
func (x *OptimizedExtractor) Extract(ctx context.Context, batch Batch) (*BatchResult, error) {
	var values []*string
	_, err := x.retry.do(ctx, x.logger, "mget", func(ctx context.Context) error {
		var err error
		values, err = x.client.MultiGet(ctx, batch.Keys)
		return err
	})
	if err != nil {
		return nil, &BatchExtractionError{Index: batch.Index, Keys: len(batch.Keys), Err: err}
	}
	if len(values) != len(batch.Keys) {
		return nil, &BatchExtractionError{
			Index: batch.Index,
			Keys:  len(batch.Keys),
			Err:   fmt.Errorf("mget returned %d values for %d keys", len(values), len(batch.Keys)),
		}
	}

	res := &BatchResult{Index: batch.Index, Records: make(map[string]snapshot.Record, len(batch.Keys))}
	for i, key := range batch.Keys {
		if values[i] == nil {
			res.Missing = append(res.Missing, key)
			continue
		}
		res.Records[key] = snapshot.StringRecord(*values[i])
	}
	return res, nil
}

// FullExtractor reads TYPE, DUMP and PTTL of every key. When the client can
// pipeline, the whole batch goes out in one request; otherwise it costs three
// calls per key. Keys that vanish between calls are omitted, and keys whose
// calls fail are logged and skipped.
type FullExtractor struct {
	client kvstore.Client
	retry  RetryPolicy
	logger *slog.Logger
}

// Mode implements Extractor.
func (x *FullExtractor) Mode() Mode { return ModeFull }

// Extract implements Extractor.
func (x *FullExtractor) Extract(ctx context.Context, batch Batch) (*BatchResult, error) {
	var (
		res *BatchResult
		err error
	)
	if p, ok := x.client.(kvstore.Pipeliner); ok {
		res, err = x.extractPipelined(ctx, p, batch)
	} else {
		res, err = x.extractPerKey(ctx, batch)
	}
	if err != nil {
		return nil, err
	}

	if len(batch.Keys) > 0 && len(res.Failed) == len(batch.Keys) {
		return nil, &BatchExtractionError{
			Index: batch.Index,
			Keys:  len(batch.Keys),
			Err:   errors.New("every key in the batch failed"),
		}
	}
	return res, nil
}

func (x *FullExtractor) extractPipelined(ctx context.Context, p kvstore.Pipeliner, batch Batch) (*BatchResult, error) {
	cmds := make([][]string, 0, len(batch.Keys)*3)
	for _, key := range batch.Keys {
		cmds = append(cmds,
			[]string{"TYPE", key},
			[]string{"DUMP", key},
			[]string{"PTTL", key})
	}

	var results []kvstore.Result
	_, err := x.retry.do(ctx, x.logger, "pipeline", func(ctx context.Context) error {
		var err error
		results, err = p.Pipeline(ctx, cmds)
		return err
	})
	if err != nil {
		return nil, &BatchExtractionError{Index: batch.Index, Keys: len(batch.Keys), Err: err}
	}
	if len(results) != len(cmds) {
		return nil, &BatchExtractionError{
			Index: batch.Index,
			Keys:  len(batch.Keys),
			Err:   fmt.Errorf("pipeline returned %d results for %d commands", len(results), len(cmds)),
		}
	}

	res := &BatchResult{Index: batch.Index, Records: make(map[string]snapshot.Record, len(batch.Keys))}
	for i, key := range batch.Keys {
		typ, dump, ttl := results[i*3], results[i*3+1], results[i*3+2]
		if err := errors.Join(typ.Err, dump.Err, ttl.Err); err != nil {
			x.logger.Warn("skipping key after failed command",
				"batchIndex", batch.Index,
				"key", key,
				"error", err)
			res.Failed = append(res.Failed, key)
			continue
		}
		pttl, ok := ttl.Int()
		if !ok {
			pttl = kvstore.TTLMissing
		}
		x.assemble(res, batch.Index, key, typ.String(), dump.Bytes(), pttl)
	}
	return res, nil
}

func (x *FullExtractor) extractPerKey(ctx context.Context, batch Batch) (*BatchResult, error) {
	res := &BatchResult{Index: batch.Index, Records: make(map[string]snapshot.Record, len(batch.Keys))}
	for _, key := range batch.Keys {
		if err := ctx.Err(); err != nil {
			return nil, &BatchExtractionError{Index: batch.Index, Keys: len(batch.Keys), Err: err}
		}

		typ, dump, ttl, err := x.readKey(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &BatchExtractionError{Index: batch.Index, Keys: len(batch.Keys), Err: ctx.Err()}
			}
			x.logger.Warn("skipping key after failed call",
				"batchIndex", batch.Index,
				"key", key,
				"error", err)
			res.Failed = append(res.Failed, key)
			continue
		}
		x.assemble(res, batch.Index, key, typ, dump, ttl)
	}
	return res, nil
}

func (x *FullExtractor) readKey(ctx context.Context, key string) (string, []byte, int64, error) {
	var (
		typ  string
		dump []byte
		ttl  int64
	)
	if _, err := x.retry.do(ctx, x.logger, "type", func(ctx context.Context) error {
		var err error
		typ, err = x.client.Type(ctx, key)
		return err
	}); err != nil {
		return "", nil, 0, err
	}
	if typ == kvstore.TypeNone {
		return typ, nil, kvstore.TTLMissing, nil
	}
	if _, err := x.retry.do(ctx, x.logger, "dump", func(ctx context.Context) error {
		var err error
		dump, err = x.client.Dump(ctx, key)
		return err
	}); err != nil {
		return "", nil, 0, err
	}
	if _, err := x.retry.do(ctx, x.logger, "pttl", func(ctx context.Context) error {
		var err error
		ttl, err = x.client.PTTL(ctx, key)
		return err
	}); err != nil {
		return "", nil, 0, err
	}
	return typ, dump, ttl, nil
}

// assemble adds the record for key, or marks it missing when any of the
// three replies shows the key is gone.
func (x *FullExtractor) assemble(res *BatchResult, batchIndex int, key, typ string, dump []byte, ttl int64) {
	if typ == "" || typ == kvstore.TypeNone || dump == nil || ttl == kvstore.TTLMissing {
		x.logger.Debug("key vanished during extraction",
			"batchIndex", batchIndex,
			"key", key,
			"type", typ)
		res.Missing = append(res.Missing, key)
		return
	}
	if ttl <= 0 {
		ttl = snapshot.NoExpiry
	}
	res.Records[key] = snapshot.Record{Type: typ, Dump: dump, TTL: ttl}
}
