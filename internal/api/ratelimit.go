package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mealroute/internal/journey"
	"mealroute/internal/metrics"
)

// Limiter hands out one token bucket per principal.
type Limiter struct {
	RPS   rate.Limit
	Burst int
	Idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter returns nil when rps is not positive, which disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(math.Ceil(rps))
	}
	return &Limiter{RPS: rate.Limit(rps), Burst: burst, Idle: 10 * time.Minute, buckets: map[string]*bucket{}}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.swept) > l.Idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.Idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.RPS, l.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request) {
	metrics.RateLimited.Inc()
	secs := int(math.Ceil(1 / float64(l.RPS)))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeProblem(w, r, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded", codeRateLimited, journey.RetrySafe)
}
