package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FROSTR-ORG/igloo-broker/internal/auth"
	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
)

type contextKey string

const userIDKey contextKey = "api_user_id"

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// requireAuth accepts either a bearer session token or a bearer API key,
// per spec §4.8 "basic (username+password) and bearer api-key".
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if s.APIKey != "" && auth.BearerAPIKey(token, s.APIKey) {
			next.ServeHTTP(w, r)
			return
		}

		tok, err := s.Gateway.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, tok.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited enforces the fixed-window limiter keyed by client address
// across every authentication-relevant endpoint (spec §4.8, §8 property 7).
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		allowed, resetAt, err := s.RateLimiter.Allow(r.Context(), key, s.RateMax, s.RateWindow)
		if err != nil {
			// Fail open: a rate-limiter outage must not lock out every
			// operator, matching the teacher's RedisRateLimitStore error path.
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			metrics.AuthAttemptsTotal.WithLabelValues("rate_limited").Inc()
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
