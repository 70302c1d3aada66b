package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker hands out redsync mutexes. It satisfies credits.Locker.
type Locker struct {
	rs         *redsync.Redsync
	prefix     string
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
}

type LockerOption func(*Locker)

// WithKeyPrefix namespaces lock keys, e.g. per deployment.
func WithKeyPrefix(p string) LockerOption {
	return func(l *Locker) { l.prefix = p }
}

// WithLockConfig applies the lock settings of cfg.
func WithLockConfig(cfg Config) LockerOption {
	return func(l *Locker) {
		if cfg.LockExpiry > 0 {
			l.expiry = cfg.LockExpiry
		}
		if cfg.LockTries > 0 {
			l.tries = cfg.LockTries
		}
		if cfg.LockRetryDelay > 0 {
			l.retryDelay = cfg.LockRetryDelay
		}
	}
}

func NewLocker(client redis.UniversalClient, opts ...LockerOption) *Locker {
	if client == nil {
		panic("redis: client is required")
	}
	l := &Locker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     "lock:",
		expiry:     5 * time.Second,
		tries:      40,
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until key is held, the tries run out or ctx is done. The
// returned func releases the lock.
func (l *Locker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	m := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Join(ErrLockNotAcquired, err)
	}
	return func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		if err != nil {
			return errors.Join(ErrLockNotReleased, err)
		}
		if !ok {
			return ErrLockNotReleased
		}
		return nil
	}, nil
}
