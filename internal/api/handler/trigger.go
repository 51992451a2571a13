package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jltournay/farmer-power-platform-sub015/internal/api/response"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

// Orchestrator is the saga surface the handlers depend on.
type Orchestrator interface {
	StartOrResume(ctx context.Context, trig saga.Trigger) (*saga.Admission, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
}

// NewTriggerHandler returns an http.HandlerFunc for POST /api/v1/triggers.
// Admission is idempotent per subject: repeated triggers inside the dedup
// window land on the same instance.
func NewTriggerHandler(orch Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Subject    string `json:"subject"`
			PayloadRef string `json:"payload_ref"`
			ArrivedAt  string `json:"arrived_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Subject == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subject is required", nil)
			return
		}
		if req.PayloadRef == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload_ref is required", nil)
			return
		}

		arrivedAt := time.Now().UTC()
		if req.ArrivedAt != "" {
			t, err := time.Parse(time.RFC3339, req.ArrivedAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"arrived_at must be a valid RFC3339 timestamp", nil)
				return
			}
			arrivedAt = t.UTC()
		}

		adm, err := orch.StartOrResume(r.Context(), saga.Trigger{
			Subject:    req.Subject,
			PayloadRef: req.PayloadRef,
			ArrivedAt:  arrivedAt,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to admit trigger", nil)
			return
		}

		if adm.Admitted {
			response.Accepted(w, adm)
			return
		}
		// Merged or queued onto an existing instance.
		response.JSON(w, adm)
	}
}
