package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"credit_ledger/internal/ratelimit"
	"credit_ledger/internal/utils"
)

var rateLimitLogger = utils.NewLogger("rate-limit")

// RateLimitMiddleware limits requests per authenticated account. It must run
// after APIKeyMiddleware. When the limiter itself fails the request is let
// through.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := AccountID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), accountID)
			if err != nil {
				rateLimitLogger.Warn("Rate limit check failed, allowing request", "account_id", accountID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			}
			if !decision.Allowed {
				wait := decision.RetryAfter(time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
