package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/auth"
	"github.com/example/riderlink/internal/ratelimit"
)

// RateLimiter throttles the control API per caller, with separate buckets for
// reads and writes.
type RateLimiter struct {
	read   *ratelimit.RedisLimiter
	write  *ratelimit.RedisLimiter
	logger *zap.Logger
}

// NewRateLimiter returns nil without a Redis client; a nil limiter passes
// every request through.
func NewRateLimiter(client *redis.Client, read, write ratelimit.RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		read:   ratelimit.NewRedisLimiter(client, "rl:read", read),
		write:  ratelimit.NewRedisLimiter(client, "rl:write", write),
		logger: logger,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.write
		if isReadMethod(r.Method) {
			limiter = l.read
		}
		allowed, retryAfter, err := limiter.AllowKey(r.Context(), clientIdentifier(r))
		if err != nil {
			l.logger.Error("rate limit check failed", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// clientIdentifier prefers the authenticated rider, then forwarding headers.
func clientIdentifier(r *http.Request) string {
	if id, ok := auth.RiderFromContext(r.Context()); ok && id != "" {
		return "rider:" + id
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr == "" {
		return "anonymous"
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
