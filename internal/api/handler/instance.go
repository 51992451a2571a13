package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jltournay/farmer-power-platform-sub015/internal/api/response"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

// instanceResponse is the external view of an instance. Lease bookkeeping and
// payload internals stay server-side.
type instanceResponse struct {
	ID              uuid.UUID          `json:"id"`
	Subject         string             `json:"subject"`
	State           saga.State         `json:"state"`
	PayloadRefs     []string           `json:"payload_refs"`
	FollowUpRefs    []string           `json:"follow_up_refs,omitempty"`
	Triage          *saga.TriageResult `json:"triage,omitempty"`
	Invocations     []invocationView   `json:"invocations,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

type invocationView struct {
	ID          uuid.UUID             `json:"id"`
	Analyzer    string                `json:"analyzer"`
	Generation  int                   `json:"generation"`
	Status      saga.InvocationStatus `json:"status"`
	Category    string                `json:"category,omitempty"`
	Confidence  float64               `json:"confidence,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

func toInstanceResponse(in *saga.Instance) instanceResponse {
	resp := instanceResponse{
		ID:              in.ID,
		Subject:         in.Subject,
		State:           in.State,
		PayloadRefs:     in.PayloadRefs,
		FollowUpRefs:    in.FollowUpRefs,
		Triage:          in.Triage,
		FailureReason:   in.FailureReason,
		CancelRequested: in.CancelRequested,
		StartedAt:       in.StartedAt,
		UpdatedAt:       in.UpdatedAt,
		CompletedAt:     in.CompletedAt,
	}
	for _, inv := range in.Invocations {
		resp.Invocations = append(resp.Invocations, invocationView{
			ID:          inv.ID,
			Analyzer:    inv.Analyzer,
			Generation:  inv.Generation,
			Status:      inv.Status,
			Category:    inv.Category,
			Confidence:  inv.Confidence,
			Error:       inv.Error,
			StartedAt:   inv.StartedAt,
			CompletedAt: inv.CompletedAt,
		})
	}
	return resp
}

// NewGetInstanceHandler returns an http.HandlerFunc for GET /api/v1/instances/{instanceID}.
func NewGetInstanceHandler(orch Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseInstanceID(w, r)
		if !ok {
			return
		}

		in, err := orch.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load instance", nil)
			return
		}

		response.JSON(w, toInstanceResponse(in))
	}
}

// StateReader serves the polling fast path from the status cache.
type StateReader interface {
	GetInstanceState(ctx context.Context, id uuid.UUID) (saga.State, bool, error)
}

// NewGetStateHandler returns an http.HandlerFunc for GET /api/v1/instances/{instanceID}/state.
// It reads the cached state first and falls back to the checkpoint store.
func NewGetStateHandler(orch Orchestrator, states StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseInstanceID(w, r)
		if !ok {
			return
		}

		if states != nil {
			if state, found, err := states.GetInstanceState(r.Context(), id); err == nil && found {
				response.JSON(w, stateResponse{ID: id, State: state})
				return
			}
		}

		in, err := orch.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load instance", nil)
			return
		}

		response.JSON(w, stateResponse{ID: in.ID, State: in.State})
	}
}

type stateResponse struct {
	ID    uuid.UUID  `json:"id"`
	State saga.State `json:"state"`
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/instances/{instanceID}/cancel.
// Cancellation is cooperative: running branches are signalled, and the
// instance settles as cancelled at the next checkpoint.
func NewCancelHandler(orch Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseInstanceID(w, r)
		if !ok {
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		err := orch.Cancel(r.Context(), id, req.Reason)
		switch {
		case err == nil:
			response.Accepted(w, map[string]any{"id": id, "cancel_requested": true})
		case errors.Is(err, saga.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
		case errors.Is(err, saga.ErrTerminal):
			response.Error(w, http.StatusConflict, "ALREADY_TERMINAL",
				"Instance already reached a terminal state", nil)
		default:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to cancel instance", nil)
		}
	}
}

// NewGetDiagnosisHandler returns an http.HandlerFunc for GET /api/v1/instances/{instanceID}/diagnosis.
func NewGetDiagnosisHandler(orch Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseInstanceID(w, r)
		if !ok {
			return
		}

		in, err := orch.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load instance", nil)
			return
		}

		if in.Diagnosis == nil {
			response.Error(w, http.StatusNotFound, "NO_DIAGNOSIS",
				"Instance has no diagnosis yet", map[string]any{"state": in.State})
			return
		}

		response.JSON(w, in.Diagnosis)
	}
}

func parseInstanceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "instanceID")
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"instanceID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
