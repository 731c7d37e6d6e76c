package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/healthops/healthops/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused client bucket is retained.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           5 * time.Minute,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	return &limiterStore{cfg: cfg, buckets: map[string]*bucket{}, swept: time.Now()}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.swept) > s.cfg.IdleTTL {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > s.cfg.IdleTTL {
				delete(s.buckets, k)
			}
		}
		s.swept = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

func (s *limiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimit limits requests per client. Authenticated callers are keyed by
// user id, others by client address.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + clientIP(c.Request())
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != uuid.Nil {
				key = "user:" + uid.String()
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			lim := store.get(key, time.Now())
			if !lim.Allow() {
				retry := 1
				if cfg.RequestsPerSecond > 0 {
					retry = int(1/cfg.RequestsPerSecond) + 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientIP prefers the first X-Forwarded-For entry.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
