package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hablas/sessiongate/ratelimit"
)

// resetTimeLayout is ISO-8601 in UTC with milliseconds, the format browser
// clients parse with Date.
const resetTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// KeyFunc derives the rate limit identifier for a request.
type KeyFunc func(r *http.Request) string

// KeyByIP keys on the client address.
func KeyByIP(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// KeyByUser keys on the authenticated user, falling back to the client
// address for anonymous requests.
func KeyByUser(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return "user:" + id.UserID
	}
	return KeyByIP(r)
}

// RateLimit returns middleware that admits requests under the named policy.
// Every response carries the X-RateLimit headers; rejected requests get a
// 429 with Retry-After.
func RateLimit(limiter *ratelimit.Limiter, policy string, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := admit(w, r, limiter, policy, key(r), logger); !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// admit consumes a slot for identifier and writes the rate limit headers.
// When the request is rejected the 429 (or a 500 for an unknown policy) has
// already been written and ok is false.
func admit(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter, policy, identifier string, logger *slog.Logger) (res ratelimit.Result, ok bool) {
	res, err := limiter.Check(r.Context(), identifier, policy)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownPolicy) {
			writeInternalError(w, logger, "rate limit misconfigured", err)
			return res, false
		}
		writeInternalError(w, logger, "rate limit check failed", err)
		return res, false
	}
	writeRateLimitHeaders(w, res)
	if !res.Allowed {
		writeRateLimited(w, res)
		return res, false
	}
	return res, true
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(resetTimeLayout))
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	secs := retryAfterSeconds(res.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, RateLimitedResponse{
		Error:      "Too many requests",
		Message:    "Rate limit exceeded. Try again in " + strconv.Itoa(secs) + " seconds.",
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		Reset:      res.ResetAt.UTC().Format(resetTimeLayout),
		RetryAfter: secs,
	})
}

// retryAfterSeconds rounds up so a client that waits the advertised time
// is admitted.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
