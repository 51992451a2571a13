package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jltournay/farmer-power-platform-sub015/internal/api/response"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// reports per-dependency status and responds 503 when any check fails.
func NewHealthHandler(store, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := true

		if err := store.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}

		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}

		body := map[string]any{
			"status": "ok",
			"checks": checks,
		}
		if !healthy {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY",
				"One or more dependencies are unavailable", checks)
			return
		}
		response.JSON(w, body)
	}
}
