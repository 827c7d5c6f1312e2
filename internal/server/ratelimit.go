package server

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/qagent-go/internal/logging"
)

// Default per-IP buckets. Knowledge-base reads and writes are local and
// cheap; generation routes each cost a completion call, so they get a
// much smaller bucket of their own.
const (
	defaultRateLimit           = 10
	defaultRateBurst           = 20
	defaultGenerationRateLimit = 0.5
	defaultGenerationRateBurst = 3
)

// Bucket classes. Every route kind except generation shares the standard
// bucket.
const (
	classStandard   = "standard"
	classGeneration = "generation"
)

// staleAfter is how long an idle client's buckets are kept.
const staleAfter = 5 * time.Minute

// maxRetryAfter caps the Retry-After hint in seconds.
const maxRetryAfter = 3600

// bucket is one token-bucket shape.
type bucket struct {
	// rps is the sustained refill rate.
	rps rate.Limit
	// burst is the bucket capacity.
	burst int
}

// limiterKey identifies one client's bucket in one class.
type limiterKey struct {
	// ip is the client address without port.
	ip string
	// class is classStandard or classGeneration.
	class string
}

// ipLimiter holds a token-bucket rate limiter and the last time it was seen,
// used to evict stale entries from the limiter map.
type ipLimiter struct {
	// limiter is the per-client, per-class token bucket.
	limiter *rate.Limiter
	// lastSeen is updated on every request for eviction.
	lastSeen time.Time
}

// rateLimiter enforces per-IP token buckets, with a separate and tighter
// bucket for the generation routes. A client that exhausts its generation
// budget can still search and read the knowledge base.
type rateLimiter struct {
	// mu protects the limiters map.
	mu sync.Mutex
	// limiters maps client and class to bucket state.
	limiters map[limiterKey]*ipLimiter
	// standard is the bucket shape for non-generation routes.
	standard bucket
	// generation is the bucket shape for /api/testcases and /api/script.
	generation bucket
	// rejected counts 429s by route kind. May be nil.
	rejected *prometheus.CounterVec
	// log is the structured logger for lifecycle events.
	log *slog.Logger
}

// newRateLimiter constructs a rateLimiter from cfg and starts the background
// eviction goroutine, which exits when the returned stop function is called.
func newRateLimiter(cfg *Config, rejected *prometheus.CounterVec, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters:   make(map[limiterKey]*ipLimiter),
		standard:   bucket{rps: rate.Limit(cfg.RateLimit), burst: cfg.RateBurst},
		generation: bucket{rps: rate.Limit(cfg.GenerationRateLimit), burst: cfg.GenerationRateBurst},
		rejected:   rejected,
		log:        log,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// bucketFor returns the class and bucket shape for kind.
func (rl *rateLimiter) bucketFor(kind routeKind) (string, bucket) {
	if kind == kindGeneration {
		return classGeneration, rl.generation
	}
	return classStandard, rl.standard
}

// getLimiter returns the limiter for key, creating it with shape b.
func (rl *rateLimiter) getLimiter(key limiterKey, b bucket, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(b.rps, b.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// evictLoop calls evict every minute until stopCh is closed.
func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// evict removes buckets idle for longer than staleAfter as of now.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-staleAfter)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	if removed > 0 {
		rl.log.Debug("rate limit: evicted idle clients", slog.Int("removed", removed), slog.Int("remaining", len(rl.limiters)))
	}
}

// middleware enforces the bucket for each request's route kind. Rejections
// get 429 with a JSON error body and a Retry-After computed from the
// bucket's actual refill time.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := classifyRoute(r)
		class, b := rl.bucketFor(kind)
		ip := clientIP(r)

		now := time.Now()
		res := rl.getLimiter(limiterKey{ip: ip, class: class}, b, now).ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if res.OK() && delay == 0 {
			next.ServeHTTP(w, r)
			return
		}
		res.CancelAt(now)

		retry := retryAfterSeconds(res.OK(), delay)
		if rl.rejected != nil {
			rl.rejected.WithLabelValues(string(kind)).Inc()
		}
		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("ip", ip),
			slog.String("class", class),
			slog.Int("retry_after", retry),
		)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, r, http.StatusTooManyRequests, errorResponse{
			Error: fmt.Sprintf("rate limit exceeded for %s requests", class),
		})
	})
}

// retryAfterSeconds rounds delay up to whole seconds, at least 1. A
// reservation that can never succeed gets the cap.
func retryAfterSeconds(ok bool, delay time.Duration) int {
	if !ok || delay == rate.InfDuration {
		return maxRetryAfter
	}
	secs := int(math.Ceil(delay.Seconds()))
	return min(max(secs, 1), maxRetryAfter)
}

// clientIP extracts the remote IP from the request, stripping the port.
// It does not trust X-Forwarded-For since this server is local-only.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
