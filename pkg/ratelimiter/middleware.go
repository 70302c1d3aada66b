package ratelimiter

import (
	"math"
	"net/http"
	"strconv"
)

// KeyFunc returns the bucket key of r. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// LimitFunc writes the response for a rejected or failed check. err is nil
// when the bucket is empty.
type LimitFunc func(w http.ResponseWriter, r *http.Request, res Result, err error)

// Middleware takes one token per request. Store failures are passed to
// onLimit with a non-nil err; the request is not served.
func Middleware(l *Limiter, keyFunc KeyFunc, onLimit LimitFunc) func(http.Handler) http.Handler {
	if onLimit == nil {
		onLimit = func(w http.ResponseWriter, _ *http.Request, _ Result, err error) {
			if err != nil {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), key)
			if err != nil {
				onLimit(w, r, res, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				h.Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(res.RetryAfter().Seconds())))))
				onLimit(w, r, res, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
