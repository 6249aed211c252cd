package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/atlanticdynamic/storegate/internal/gateway/ratelimit"
)

// RateLimit enforces the per-identifier quota and sets the X-RateLimit-*
// headers on every response it sees. Placement in the router keeps health
// and metrics endpoints exempt.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(r.Context(), limitIdentifier(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(time.Until(res.Reset).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				WriteError(w, r, http.StatusTooManyRequests, "rate_limited",
					"request quota exceeded, retry after the window resets")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitIdentifier keys the quota: user id when authenticated, client ip
// otherwise.
func limitIdentifier(r *http.Request) string {
	if identity, ok := IdentityFrom(r.Context()); ok {
		return identity.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
