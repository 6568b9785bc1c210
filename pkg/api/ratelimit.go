package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// Limiter decides whether a request may proceed. Implementations key on the
// client IP.
type Limiter interface {
	Allow(r *http.Request) bool
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(rps, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *IPRateLimiter) Allow(r *http.Request) bool {
	ip := clientIP(r)

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// cleanup drops buckets idle for more than 3 minutes.
func (rl *IPRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// RedisRateLimiter is a fixed-window counter shared across replicas. Redis
// being down fails open: the internal network is trusted enough that losing
// rate limiting beats losing the API.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	log    *slog.Logger
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration, log *slog.Logger) *RedisRateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRateLimiter{rdb: rdb, limit: int64(limit), window: window, log: log}
}

func (rl *RedisRateLimiter) Allow(r *http.Request) bool {
	ip := clientIP(r)
	slot := time.Now().Unix() / int64(rl.window.Seconds())
	key := fmt.Sprintf("seal:ratelimit:%s:%d", ip, slot)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(r.Context(), key)
	pipe.Expire(r.Context(), key, rl.window)
	if _, err := pipe.Exec(r.Context()); err != nil {
		rl.log.Warn("redis rate limiter unavailable", "err", err)
		return true
	}
	return incr.Val() <= rl.limit
}

// RateLimitMiddleware rejects over-limit requests with 429. A nil limiter
// disables limiting.
func RateLimitMiddleware(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r) {
				web.WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
