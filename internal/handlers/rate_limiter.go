package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// windowCounter tracks request counts per caller inside a fixed window.
// Expired entries are swept opportunistically whenever a window rolls over,
// keeping the map bounded without a background goroutine.
type windowCounter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]windowBucket
}

type windowBucket struct {
	hits      int
	expiresAt time.Time
}

// RateLimitMiddleware throttles requests per caller within a fixed window.
// Requests carrying credentials draw from the authenticated budget, everything
// else from the anonymous one. The middleware runs before token verification,
// so tiering keys off header presence rather than a verified identity.
// Non-positive limits disable the corresponding tier.
func RateLimitMiddleware(anonymousLimit, authenticatedLimit int, window time.Duration) func(http.Handler) http.Handler {
	anonymous := newWindowCounter(anonymousLimit, window, nil)
	authenticated := newWindowCounter(authenticatedLimit, window, nil)
	return func(next http.Handler) http.Handler {
		if anonymous == nil && authenticated == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := anonymous
			if strings.TrimSpace(r.Header.Get("Authorization")) != "" {
				limiter = authenticated
			}
			if limiter != nil && !limiter.Allow(rateLimitKey(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return "uid:" + identity.UID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func newWindowCounter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowCounter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]windowBucket),
	}
}

func (c *windowCounter) Allow(key string) bool {
	if c == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, live := c.buckets[key]
	if live && now.Before(bucket.expiresAt) {
		if bucket.hits >= c.limit {
			return false
		}
		bucket.hits++
		c.buckets[key] = bucket
		return true
	}

	c.sweepLocked(now)
	c.buckets[key] = windowBucket{hits: 1, expiresAt: now.Add(c.window)}
	return true
}

func (c *windowCounter) sweepLocked(now time.Time) {
	for key, bucket := range c.buckets {
		if !now.Before(bucket.expiresAt) {
			delete(c.buckets, key)
		}
	}
}
