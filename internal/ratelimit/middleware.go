package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/signing"
)

// Middleware limits requests per app scope of the verified caller, falling
// back to defaultScope for callers without one. A limiter error lets the
// request through.
func Middleware(limiter RateLimiter, limit int, defaultScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := defaultScope
			if id, ok := signing.IdentityFrom(r.Context()); ok && id.AppScope != "" {
				scope = id.AppScope
			}

			allowed, remaining, resetAt, err := limiter.Allow(r.Context(), scope, limit)
			if err != nil {
				slog.Warn("rate limiter unavailable", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				metrics.RecordRateLimited()
				slog.Warn("rate limit exceeded", "scope", scope, "limit", limit)
				httputil.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
