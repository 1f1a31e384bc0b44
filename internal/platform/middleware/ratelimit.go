package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTimeout evicts limiters for clients not seen within the window.
	IdleTimeout time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTimeout:       5 * time.Minute,
	}
}

// RateLimiter throttles per client IP. Login and MFA endpoints are the main
// target, so the key ignores tenant and user.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Middleware returns the echo handler. A nil limiter or a non-positive rate
// disables throttling.
func (r *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if r == nil || r.cfg.RequestsPerSecond <= 0 {
			return next
		}
		limit := strconv.FormatFloat(r.cfg.RequestsPerSecond, 'f', -1, 64)
		return func(c echo.Context) error {
			lim := r.limiter(c.RealIP())
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if !lim.Allow() {
				retry := lim.Reserve()
				delay := retry.Delay()
				retry.Cancel()
				secs := int(delay/time.Second) + 1
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	lim := rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.BurstSize)
	r.clients[key] = &clientLimiter{limiter: lim, lastSeen: now}
	r.evictLocked(now)
	return lim
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.cfg.IdleTimeout {
			delete(r.clients, key)
		}
	}
}

func (r *RateLimiter) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
