package api

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/haneul-edu/quiz-ai-gateway/internal/config"
)

// AdminAuth guards the management routes with the configured secret.
// With no secret configured, admin routes are disabled entirely.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := config.Cfg.AdminSecret
		if secret == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "Admin API is not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != secret {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies a per-client token bucket to the billable routes.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	var limiters sync.Map // remote addr -> *rate.Limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			val, _ := limiters.LoadOrStore(r.RemoteAddr,
				rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute))
			if !val.(*rate.Limiter).Allow() {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
