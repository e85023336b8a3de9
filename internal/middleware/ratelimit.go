package middleware

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/supportpanel/server/internal/apierrors"
)

// Limiter counts hits per key in fixed windows.
type Limiter interface {
	// Hit records one attempt for key and reports whether it is within limit.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type bucket struct {
	count   int
	expires time.Time
}

// MemoryLimiter is a process-local fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]bucket
	now     func() time.Time
}

// NewMemoryLimiter creates an empty limiter. now may be nil (uses time.Now).
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{buckets: make(map[string]bucket), now: now}
}

// Hit checks if a request is allowed for the given key
func (l *MemoryLimiter) Hit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.expires) {
		b = bucket{expires: now.Add(window)}
	}
	b.count++
	l.buckets[key] = b
	return b.count <= limit, nil
}

// Sweep removes expired windows and returns how many were dropped.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.After(b.expires) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// RedisLimiter shares counters between replicas. The window starts at the
// first hit; later hits do not extend it.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter stores counters under prefix.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, l.prefix+key)
		pipe.ExpireNX(ctx, l.prefix+key, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}

// RateLimit limits requests per client address. Keys are "<prefix>:<ip>".
// Backend errors are logged, counted and the request is let through.
func RateLimit(l Limiter, prefix string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return rateLimit(l, prefix, limit, window, false)
}

// StrictRateLimit is RateLimit that answers 503 when the backend fails.
func StrictRateLimit(l Limiter, prefix string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return rateLimit(l, prefix, limit, window, true)
}

func rateLimit(l Limiter, prefix string, limit int, window time.Duration, failClosed bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Hit(r.Context(), prefix+":"+ClientIP(r), limit, window)
			if err != nil {
				log.Printf("ratelimit: %s: %v", prefix, err)
				globalMetrics().rateLimitErrors.WithLabelValues(prefix).Inc()
				if failClosed {
					apierrors.Error(w, apierrors.CodeServiceUnavailable)
					return
				}
			} else if !ok {
				globalMetrics().rateLimited.WithLabelValues(prefix).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				apierrors.Error(w, apierrors.CodeRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address without the port. Behind a trusted
// proxy RealIP has already replaced RemoteAddr with the forwarded address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
