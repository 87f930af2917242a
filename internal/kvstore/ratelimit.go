package kvstore

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig holds the client-side request budget.
type RateLimitConfig struct {
	// Requests is the maximum number of remote calls allowed per window.
	// Zero or negative disables limiting.
	Requests int `yaml:"requests"`

	// Window is the duration of the rate limiting window.
	Window time.Duration `yaml:"window"`
}

// DefaultRateLimitConfig returns the default request budget.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 0,
		Window:   time.Second,
	}
}

// Limiter paces remote calls using the Token Bucket algorithm.
// Tokens are refilled at a constant rate (capacity/window).
type Limiter struct {
	mu         sync.Mutex
	config     RateLimitConfig
	tokens     float64
	lastUpdate time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter that starts with a full bucket.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Limiter{
		config:     cfg,
		tokens:     float64(cfg.Requests),
		lastUpdate: time.Now(),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Enabled reports whether the limiter enforces a budget.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Requests > 0
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve refills the bucket and takes one token. When none is available it
// returns the time until the next token.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.config.Requests)
	fillRate := capacity / l.config.Window.Seconds() // tokens per second

	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.tokens = min(capacity, l.tokens+elapsed*fillRate)
	l.lastUpdate = now

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}

	missing := 1 - l.tokens
	return time.Duration(missing / fillRate * float64(time.Second)), false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
