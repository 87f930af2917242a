package exporter

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/syntrixbase/kvexport/internal/kvstore"
)

// RetryPolicy bounds how often a failing remote call is repeated.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int `yaml:"max_attempts"`

	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// do calls fn until it succeeds, returns a fatal call error, the context
// ends, or the attempt budget is spent. It returns the number of attempts.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || kvstore.IsFatal(err) || attempt >= maxAttempts {
			return attempt, err
		}

		// Apply jitter (+/-20%)
		jitter := 0.8 + rand.Float64()*0.4
		wait := time.Duration(float64(backoff) * jitter)
		logger.Warn("remote call failed, retrying",
			"op", op,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", wait,
			"error", err)

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt, err
			case <-t.C:
			}
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
