package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// DefaultTurnLimit is the per-client budget of session-starting requests per
// minute.
const DefaultTurnLimit = 30

// RateLimit limits requests per client IP over a sliding window.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests, try again later")
		}),
	)
}
