package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		// Instance-scoped routes carry the saga instance in the path; surface
		// it as its own attribute so requests correlate with saga logs.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if id := rctx.URLParam("id"); id != "" {
				attrs = append(attrs, "instance_id", id)
			}
		}
		slog.Info("request", attrs...)
	})
}
