package ratelimiter_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/pkg/ratelimiter"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, time.April, 2, 12, 0, 0, 0, time.UTC)}
}

var cfg = ratelimiter.Config{Capacity: 3, RefillRate: 1, RefillInterval: time.Second}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, cfg.Validate())
	for _, bad := range []ratelimiter.Config{
		{Capacity: 0, RefillRate: 1, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 0, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 1},
	} {
		assert.ErrorIs(t, bad.Validate(), ratelimiter.ErrInvalidConfig)
	}

	_, err := ratelimiter.New(nil, cfg)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func exerciseBucket(t *testing.T, store ratelimiter.Store) {
	t.Helper()
	ctx := context.Background()
	c := newClock()
	l, err := ratelimiter.New(store, cfg, ratelimiter.WithClock(c.Now))
	require.NoError(t, err)
	key := "user:" + uuid.NewString()

	for want := 2; want >= 0; want-- {
		res, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, want, res.Remaining)
	}

	res, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, time.Second, res.RetryAfter())

	// A rejected request does not drain the bucket further.
	c.Advance(time.Second)
	res, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, res.Remaining)

	c.Advance(time.Hour)
	res, err = l.AllowN(ctx, key, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, res.Remaining)

	require.NoError(t, l.Reset(ctx, key))
	res, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)

	_, err = l.AllowN(ctx, key, 0)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
}

func TestLimiter_MemoryStore(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	exerciseBucket(t, store)
}

func TestLimiter_RedisStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	exerciseBucket(t, ratelimiter.NewRedisStore(client, "test:"+uuid.NewString()+":"))
}

type failingStore struct{}

func (failingStore) ConsumeTokens(context.Context, string, int, ratelimiter.Config, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, ratelimiter.ErrStoreUnavailable
}

func (failingStore) Reset(context.Context, string) error { return nil }

func TestMiddleware(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	l, err := ratelimiter.New(store, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Minute})
	require.NoError(t, err)

	var limited []error
	h := ratelimiter.Middleware(l,
		func(r *http.Request) string { return r.Header.Get("X-Key") },
		func(w http.ResponseWriter, _ *http.Request, _ ratelimiter.Result, err error) {
			limited = append(limited, err)
			w.WriteHeader(http.StatusTooManyRequests)
		},
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	call := func(key string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if key != "" {
			r.Header.Set("X-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := call("a")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call("a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Len(t, limited, 1)
	assert.NoError(t, limited[0])

	assert.Equal(t, http.StatusNoContent, call("b").Code)
	assert.Equal(t, http.StatusNoContent, call("").Code)

	broken, err := ratelimiter.New(failingStore{}, cfg)
	require.NoError(t, err)
	var gotErr error
	h = ratelimiter.Middleware(broken, func(*http.Request) string { return "k" }, func(w http.ResponseWriter, _ *http.Request, _ ratelimiter.Result, err error) {
		gotErr = err
		w.WriteHeader(http.StatusServiceUnavailable)
	})(http.NotFoundHandler())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, errors.Is(gotErr, ratelimiter.ErrStoreUnavailable))
}
