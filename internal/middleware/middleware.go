// Package middleware contains HTTP middleware for the purchase queue API.
//
// RequestLogger provides structured logging for API requests, including
// method, path, status code, and latency. Polling endpoints are logged
// only when something is off, so a queue full of waiting sessions does
// not drown the log.
package middleware

import (
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// slowRequest marks the latency above which any request is logged,
// polling or not. Intake and the status reads are designed to stay in
// the low milliseconds; half a second means something is queueing where
// it should not.
const slowRequest = 500 * time.Millisecond

// RequestLogger logs HTTP requests with method, path, status, and latency.
//
// Example output:
//
//	[http] POST /api/v1/events/9b1d…/queue → 202 (4.2ms)
//	[http] GET /api/v1/intents/4b6c… → 200 (612.3ms) SLOW
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		latency := time.Since(start)
		if latency < slowRequest {
			if quietRequest(r, rw.statusCode) {
				return
			}
			log.Printf("[http] %s %s → %d (%s)",
				r.Method, r.URL.Path, rw.statusCode, latency.Round(100*time.Microsecond))
			return
		}
		log.Printf("[http] %s %s → %d (%s) SLOW",
			r.Method, r.URL.Path, rw.statusCode, latency.Round(100*time.Microsecond))
	})
}

// quietRequest reports whether a successful response belongs to the
// polling traffic: every waiting session re-asks its intent status and
// completion every few seconds, and load balancers probe /health.
func quietRequest(r *http.Request, status int) bool {
	if r.Method != http.MethodGet || status >= 400 {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/v1/intents/") ||
		r.URL.Path == "/api/v1/queue/health" ||
		r.URL.Path == "/health"
}

// Recoverer catches panics in handlers and returns a 500 response
// instead of crashing the entire server.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[http] PANIC: %s %s → %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS adds headers so browser checkout pages can call the API. The
// preflight answer is cached for five minutes; with per-session polling
// the OPTIONS chatter would otherwise rival the real traffic.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "300")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
