package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/jltournay/farmer-power-platform-sub015/internal/api/middleware"
	"github.com/jltournay/farmer-power-platform-sub015/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler       http.HandlerFunc
	TriggerHandler      http.HandlerFunc
	GetInstanceHandler  http.HandlerFunc
	GetStateHandler     http.HandlerFunc
	CancelHandler       http.HandlerFunc
	GetDiagnosisHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/triggers", orNotImplemented(deps.TriggerHandler))

		r.Get("/api/v1/instances/{instanceID}", orNotImplemented(deps.GetInstanceHandler))
		r.Get("/api/v1/instances/{instanceID}/state", orNotImplemented(deps.GetStateHandler))
		r.Post("/api/v1/instances/{instanceID}/cancel", orNotImplemented(deps.CancelHandler))
		r.Get("/api/v1/instances/{instanceID}/diagnosis", orNotImplemented(deps.GetDiagnosisHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
