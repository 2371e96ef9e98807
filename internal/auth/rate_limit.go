package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"crm-auth/internal/device"
)

// RateLimiter throttles a scoped key (login attempts per client IP,
// reset requests per email). Implementations report whether the hit is
// allowed and, when it is not, how long the caller should wait.
type RateLimiter interface {
	Allow(ctx context.Context, scope, key string) (bool, time.Duration, error)
}

// MemoryRateLimiter is a per-process sliding-window limiter, the
// default when no Redis is configured. Serverless deployments should
// prefer RedisRateLimiter since each instance keeps its own counters.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hits      map[string][]time.Time
	maxMemory int
}

func NewMemoryRateLimiter(maxHits int, window time.Duration) *MemoryRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryRateLimiter{
		maxHits:   maxHits,
		window:    window,
		hits:      make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, scope, key string) (bool, time.Duration, error) {
	now := time.Now().UTC()
	threshold := now.Add(-l.window)
	bucket := scope + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[bucket]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hits[bucket] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	l.hits[bucket] = filtered

	if len(l.hits) > l.maxMemory {
		for k, v := range l.hits {
			if len(v) == 0 || v[len(v)-1].Before(threshold) {
				delete(l.hits, k)
			}
		}
	}

	return true, 0, nil
}

// RateLimitByIP gates a handler on the client address. A limiter
// backend failure fails open; throttling must not take login down.
func RateLimitByIP(limiter RateLimiter, scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := limiter.Allow(r.Context(), scope, device.ClientIP(r))
		if err != nil {
			sentry.CaptureException(err)
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many attempts, please try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}
