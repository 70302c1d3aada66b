package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Config defines a token bucket. Embed it with an envPrefix to read several
// limits from the environment.
type Config struct {
	// Capacity is the burst size.
	Capacity int `env:"CAPACITY" envDefault:"30"`
	// RefillRate tokens are added every RefillInterval.
	RefillRate     int           `env:"REFILL_RATE" envDefault:"1"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"2s"`
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// Result is the bucket state after a request.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	now       time.Time
}

// Allowed reports whether the request fit into the bucket. A negative
// Remaining means it did not.
func (r Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter is how long a rejected caller should wait; zero when allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(r.ResetAt.Sub(r.now), 0)
}

// Store keeps bucket state.
type Store interface {
	// ConsumeTokens refills the bucket of key for the time elapsed until now
	// and takes tokens from it. A rejected request leaves the bucket
	// untouched and reports a negative remaining.
	ConsumeTokens(ctx context.Context, key string, tokens int, cfg Config, now time.Time) (remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Limiter applies one bucket configuration to any number of keys.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *Limiter) AllowN(ctx context.Context, key string, n int) (Result, error) {
	if n <= 0 {
		return Result{}, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}
	now := l.now()
	remaining, resetAt, err := l.store.ConsumeTokens(ctx, key, n, l.cfg, now)
	if err != nil {
		return Result{}, err
	}
	return Result{Limit: l.cfg.Capacity, Remaining: remaining, ResetAt: resetAt, now: now}, nil
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// refill returns the tokens of a bucket last refilled at last, and the new
// refill mark. Elapsed intervals are capped so huge gaps cannot overflow.
func refill(tokens int, last, now time.Time, cfg Config) (int, time.Time) {
	if now.Before(last) {
		return tokens, last
	}
	intervals := int64(now.Sub(last) / cfg.RefillInterval)
	intervals = min(intervals, int64(cfg.Capacity/cfg.RefillRate+1))
	if intervals == 0 {
		return tokens, last
	}
	tokens += int(intervals) * cfg.RefillRate
	if tokens >= cfg.Capacity {
		return cfg.Capacity, now
	}
	return tokens, last.Add(time.Duration(intervals) * cfg.RefillInterval)
}
