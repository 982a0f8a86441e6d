package middleware

import (
	"net/http"
	"strconv"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/ratelimit"
)

// RateLimit returns middleware enforcing the named endpoint class against
// the shared Limiter. It requires auth middleware to have already set the
// user ID in context; falls back to the remote address otherwise (used only
// for the pre-auth "auth" class).
func RateLimit(rl *ratelimit.Limiter, class ratelimit.Class, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			result := rl.Check(r.Context(), key, class)
			if result.Degraded && m != nil {
				m.IncrementRateLimitDegraded()
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
				apierr.New(apierr.RateLimited, "rate limit exceeded").WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
