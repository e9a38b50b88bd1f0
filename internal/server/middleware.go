package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIKeyHeader carries the shared secret.
const APIKeyHeader = "X-API-Key"

// LoggerMiddleware logs one line per request and counts it by route.
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()

			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				return
			}
			logutil.With("request_id", middleware.GetReqID(r.Context())).Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// APIKeyMiddleware rejects requests whose X-API-Key does not match key. An
// empty key is a server misconfiguration and fails every request with 500.
func APIKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				logutil.Errorf("API_KEY is not configured; rejecting %s %s", r.Method, r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "server API key not configured"})
				return
			}
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
