package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/carepilot-io/carepilot/internal/requestctx"
)

// RateLimiter enforces per-user request rate limits with a token bucket
// per user.
type RateLimiter struct {
	mu      sync.Mutex
	users   map[string]*rate.Limiter
	perUser rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter allowing perUserRPM requests per
// minute per user.
func NewRateLimiter(perUserRPM int) *RateLimiter {
	burst := perUserRPM
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		users:   make(map[string]*rate.Limiter),
		perUser: rate.Limit(float64(perUserRPM) / 60.0),
		burst:   burst,
	}
}

// Allow reports whether a request from the given user is within limits.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	limiter, ok := rl.users[userID]
	if !ok {
		limiter = rate.NewLimiter(rl.perUser, rl.burst)
		rl.users[userID] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// AuthMiddleware validates X-CarePilot-Key or Authorization: Bearer
// <key> and sets user_id in context. apiKeys maps key -> user_id.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-CarePilot-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var userID string
			for k, u := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					userID = u
					break
				}
			}
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(requestctx.SetUserID(r.Context(), userID))
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware returns 429 when the authenticated user exceeds
// the limiter. A nil limiter disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := requestctx.UserID(r.Context())
			if userID == "" || rl.Allow(userID) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
