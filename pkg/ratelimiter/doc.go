// Package ratelimiter throttles callers with a token bucket.
//
// A Limiter holds the bucket parameters and delegates state to a Store:
// MemoryStore for a single process, RedisStore when several replicas must
// share one budget. Middleware applies a Limiter to HTTP handlers and sets
// the X-RateLimit-* headers on every response it lets through or rejects.
//
//	l, _ := ratelimiter.New(ratelimiter.NewMemoryStore(), ratelimiter.Config{
//		Capacity: 10, RefillRate: 1, RefillInterval: 6 * time.Second,
//	})
//	r.Use(ratelimiter.Middleware(l, keyFunc, onLimit))
package ratelimiter
