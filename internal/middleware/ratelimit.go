package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/Yiling-J/theine-go"
	"golang.org/x/time/rate"

	"dynrest/internal/permission"
)

const defaultMaxClients = 10000

// RateLimitConfig configures per-caller token bucket limiting.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	// MaxClients caps the limiters held in memory. Rarely seen callers are
	// evicted first and start with a full bucket when they return.
	MaxClients int64
}

// RateLimiter keeps a token bucket per caller. Authenticated callers are
// keyed by identity and anonymous ones by remote host.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *theine.Cache[string, *rate.Limiter]
}

// NewRateLimiter returns nil when limiting is disabled. A non-positive RPS
// or burst admits everything.
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = defaultMaxClients
	}
	limiters, err := theine.NewBuilder[string, *rate.Limiter](size).Build()
	if err != nil {
		return nil, fmt.Errorf("build rate limit cache: %w", err)
	}
	l := &RateLimiter{limit: rate.Inf, limiters: limiters}
	if cfg.RPS > 0 && cfg.Burst > 0 {
		l.limit, l.burst = rate.Limit(cfg.RPS), cfg.Burst
	}
	return l, nil
}

func (l *RateLimiter) Close() {
	if l != nil {
		l.limiters.Close()
	}
}

// Middleware rejects callers over their budget with 429 and a Retry-After
// hint. A nil limiter passes every request.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.limiterFor(callerKey(r))
		if limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter)))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
	})
}

func (l *RateLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Set(key, limiter, 1)
	return limiter
}

// retryAfterSeconds is the whole seconds until one token refills, at least 1.
func retryAfterSeconds(limiter *rate.Limiter) int {
	if limiter.Limit() <= 0 || limiter.Limit() == rate.Inf {
		return 1
	}
	return max(1, int(math.Ceil(1/float64(limiter.Limit()))))
}

func callerKey(r *http.Request) string {
	if id := permission.IdentityFromContext(r.Context()); id.ID != nil {
		return fmt.Sprintf("id:%v", id.ID)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
