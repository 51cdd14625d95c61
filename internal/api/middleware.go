package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/applypilot/internal/metrics"
	"github.com/shehryarbajwa/applypilot/internal/ratelimit"
)

// maxPeek bounds how much of a request body is read to find the user
const maxPeek = 64 << 10

// RateLimitMiddleware creates a middleware that enforces per-user rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int, collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := getUserID(r)

			if userID == "" || limiter == nil {
				// No user, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(userID) {
				collector.RateLimited(routeName(r))

				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"status":  "error",
					"message": "rate limit exceeded, maximum " + strconv.Itoa(requestsPerHour) + " requests per hour",
				})
				return
			}

			tokens := limiter.Tokens(userID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// getUserID extracts the user from the query, a header or a JSON body. The
// body is restored for the next handler.
func getUserID(r *http.Request) string {
	if userID := r.URL.Query().Get("userId"); userID != "" {
		return userID
	}
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}
	if r.Body == nil || r.Method != http.MethodPost {
		return ""
	}

	body := r.Body
	raw, err := io.ReadAll(io.LimitReader(body, maxPeek))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), body), body}
	if err != nil {
		return ""
	}

	var peek struct {
		UserID string `json:"userId"`
	}
	if json.Unmarshal(raw, &peek) != nil {
		return ""
	}
	return peek.UserID
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
