package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Gateway identity headers. The fronting gateway authenticates the user and
// asserts these; the engine never sees credentials.
const (
	headerUserID    = "X-User-ID"
	headerUserName  = "X-User-Name"
	headerUserEmail = "X-User-Email"
	headerUserRole  = "X-User-Role"

	headerAdminKey     = "X-Admin-Key"
	headerWebhookToken = "X-Webhook-Token"
)

// ErrorHandler tags every request with a request ID and audit metadata,
// recovers panics and records request metrics.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctx, requestID := logging.WithRequestID(r.Context(), incomingID)
		meta := auditlog.FromRequest(r)
		meta.RequestID = requestID
		r = r.WithContext(auditlog.WithMeta(ctx, meta))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		defer func() {
			route := routePattern(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", requestID)
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 500 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// RequireAdminKey guards operator routes with a shared key.
func RequireAdminKey(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimSpace(r.Header.Get(headerAdminKey))
			if presented == "" {
				if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					presented = strings.TrimSpace(bearer)
				}
			}
			if adminKey == "" || !secretEqual(presented, adminKey) {
				writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "admin key required", logging.RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireWebhookToken checks the gateway's shared secret. An empty token
// disables the check.
func RequireWebhookToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !secretEqual(r.Header.Get(headerWebhookToken), token) {
				metrics.WebhookRequestsTotal.WithLabelValues("unauthorized", "401").Inc()
				writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token", logging.RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects requests beyond rps with 429 so the sender retries later.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logging.RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects self-service requests without a gateway identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(headerUserID)) == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "missing user identity", logging.RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// gatewayUser reads the identity asserted by the gateway.
func gatewayUser(r *http.Request) licensing.User {
	return licensing.User{
		ID:       strings.TrimSpace(r.Header.Get(headerUserID)),
		Username: strings.TrimSpace(r.Header.Get(headerUserName)),
		Email:    strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserEmail))),
		Role:     licensing.ParseRole(strings.TrimSpace(r.Header.Get(headerUserRole))),
	}
}

func secretEqual(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
