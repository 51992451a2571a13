package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jltournay/farmer-power-platform-sub015/internal/api/handler"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

// --- Mock Orchestrator ---

type mockOrchestrator struct {
	admission *saga.Admission
	admitErr  error

	instance  *saga.Instance
	statusErr error

	cancelErr    error
	gotTrigger   *saga.Trigger
	gotCancelID  uuid.UUID
	cancelReason string
}

func (m *mockOrchestrator) StartOrResume(_ context.Context, trig saga.Trigger) (*saga.Admission, error) {
	m.gotTrigger = &trig
	return m.admission, m.admitErr
}

func (m *mockOrchestrator) GetStatus(_ context.Context, _ uuid.UUID) (*saga.Instance, error) {
	return m.instance, m.statusErr
}

func (m *mockOrchestrator) Cancel(_ context.Context, id uuid.UUID, reason string) error {
	m.gotCancelID = id
	m.cancelReason = reason
	return m.cancelErr
}

type mockStateReader struct {
	state saga.State
	found bool
	err   error
}

func (m *mockStateReader) GetInstanceState(_ context.Context, _ uuid.UUID) (saga.State, bool, error) {
	return m.state, m.found, m.err
}

// --- helpers ---

// serve routes the request through a chi router so URL params resolve.
func serve(method, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func sampleInstance() *saga.Instance {
	now := time.Now().UTC()
	return &saga.Instance{
		ID:          uuid.New(),
		Subject:     "plot-7",
		State:       saga.StateAnalyzing,
		PayloadRefs: []string{"payload/1"},
		Triage:      &saga.TriageResult{Category: "leaf_discoloration", Confidence: 0.9, ClassifiedAt: now},
		Generation:  1,
		Invocations: []saga.Invocation{{
			ID: uuid.New(), Analyzer: "leaf-vision", Generation: 1,
			Status: saga.InvocationRunning, StartedAt: now,
		}},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// ========================================
// Trigger Handler Tests
// ========================================

func TestTrigger_Admitted(t *testing.T) {
	id := uuid.New()
	orch := &mockOrchestrator{admission: &saga.Admission{Admitted: true, InstanceID: id}}
	h := handler.NewTriggerHandler(orch)

	body := `{"subject": "plot-7", "payload_ref": "payload/1"}`
	req := httptest.NewRequest("POST", "/api/v1/triggers", strings.NewReader(body))
	w := serve("POST", "/api/v1/triggers", h, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, true, data["admitted"])
	assert.Equal(t, id.String(), data["instance_id"])

	require.NotNil(t, orch.gotTrigger)
	assert.Equal(t, "plot-7", orch.gotTrigger.Subject)
	assert.Equal(t, "payload/1", orch.gotTrigger.PayloadRef)
	assert.False(t, orch.gotTrigger.ArrivedAt.IsZero())
}

func TestTrigger_MergedReturns200(t *testing.T) {
	orch := &mockOrchestrator{admission: &saga.Admission{Merged: true, InstanceID: uuid.New()}}
	h := handler.NewTriggerHandler(orch)

	body := `{"subject": "plot-7", "payload_ref": "payload/2"}`
	req := httptest.NewRequest("POST", "/api/v1/triggers", strings.NewReader(body))
	w := serve("POST", "/api/v1/triggers", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, true, data["merged"])
	assert.Equal(t, false, data["admitted"])
}

func TestTrigger_ExplicitArrivedAt(t *testing.T) {
	orch := &mockOrchestrator{admission: &saga.Admission{Admitted: true, InstanceID: uuid.New()}}
	h := handler.NewTriggerHandler(orch)

	body := `{"subject": "plot-7", "payload_ref": "payload/1", "arrived_at": "2026-08-30T10:00:00Z"}`
	req := httptest.NewRequest("POST", "/api/v1/triggers", strings.NewReader(body))
	w := serve("POST", "/api/v1/triggers", h, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, orch.gotTrigger)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), orch.gotTrigger.ArrivedAt)
}

func TestTrigger_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing subject", `{"payload_ref": "payload/1"}`},
		{"missing payload_ref", `{"subject": "plot-7"}`},
		{"bad arrived_at", `{"subject": "plot-7", "payload_ref": "p", "arrived_at": "yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewTriggerHandler(&mockOrchestrator{})
			req := httptest.NewRequest("POST", "/api/v1/triggers", strings.NewReader(tt.body))
			w := serve("POST", "/api/v1/triggers", h, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			errObj := decodeBody(t, w)["error"].(map[string]any)
			assert.Equal(t, "INVALID_REQUEST", errObj["code"])
		})
	}
}

func TestTrigger_OrchestratorError(t *testing.T) {
	orch := &mockOrchestrator{admitErr: errors.New("db down")}
	h := handler.NewTriggerHandler(orch)

	body := `{"subject": "plot-7", "payload_ref": "payload/1"}`
	req := httptest.NewRequest("POST", "/api/v1/triggers", strings.NewReader(body))
	w := serve("POST", "/api/v1/triggers", h, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ========================================
// Get Instance Handler Tests
// ========================================

func TestGetInstance_OK(t *testing.T) {
	in := sampleInstance()
	orch := &mockOrchestrator{instance: in}
	h := handler.NewGetInstanceHandler(orch)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+in.ID.String(), nil)
	w := serve("GET", "/api/v1/instances/{instanceID}", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, in.ID.String(), data["id"])
	assert.Equal(t, "plot-7", data["subject"])
	assert.Equal(t, "analyzing", data["state"])

	triage := data["triage"].(map[string]any)
	assert.Equal(t, "leaf_discoloration", triage["category"])

	invocations := data["invocations"].([]any)
	require.Len(t, invocations, 1)
	assert.Equal(t, "leaf-vision", invocations[0].(map[string]any)["analyzer"])
}

func TestGetInstance_NotFound(t *testing.T) {
	orch := &mockOrchestrator{statusErr: saga.ErrNotFound}
	h := handler.NewGetInstanceHandler(orch)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+uuid.NewString(), nil)
	w := serve("GET", "/api/v1/instances/{instanceID}", h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestGetInstance_BadID(t *testing.T) {
	h := handler.NewGetInstanceHandler(&mockOrchestrator{})

	req := httptest.NewRequest("GET", "/api/v1/instances/not-a-uuid", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}", h, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========================================
// Get State Handler Tests
// ========================================

func TestGetState_CacheHit(t *testing.T) {
	orch := &mockOrchestrator{statusErr: errors.New("store must not be hit on cache hit")}
	states := &mockStateReader{state: saga.StateAggregating, found: true}
	h := handler.NewGetStateHandler(orch, states)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+uuid.NewString()+"/state", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/state", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "aggregating", data["state"])
}

func TestGetState_CacheMissFallsBack(t *testing.T) {
	in := sampleInstance()
	orch := &mockOrchestrator{instance: in}
	h := handler.NewGetStateHandler(orch, &mockStateReader{})

	req := httptest.NewRequest("GET", "/api/v1/instances/"+in.ID.String()+"/state", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/state", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "analyzing", data["state"])
}

func TestGetState_CacheErrorFallsBack(t *testing.T) {
	in := sampleInstance()
	orch := &mockOrchestrator{instance: in}
	states := &mockStateReader{err: errors.New("redis down")}
	h := handler.NewGetStateHandler(orch, states)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+in.ID.String()+"/state", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/state", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetState_NotFound(t *testing.T) {
	orch := &mockOrchestrator{statusErr: saga.ErrNotFound}
	h := handler.NewGetStateHandler(orch, &mockStateReader{})

	req := httptest.NewRequest("GET", "/api/v1/instances/"+uuid.NewString()+"/state", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/state", h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ========================================
// Cancel Handler Tests
// ========================================

func TestCancel_Accepted(t *testing.T) {
	orch := &mockOrchestrator{}
	h := handler.NewCancelHandler(orch)

	id := uuid.New()
	body := `{"reason": "operator request"}`
	req := httptest.NewRequest("POST", "/api/v1/instances/"+id.String()+"/cancel", strings.NewReader(body))
	w := serve("POST", "/api/v1/instances/{instanceID}/cancel", h, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, id, orch.gotCancelID)
	assert.Equal(t, "operator request", orch.cancelReason)

	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, true, data["cancel_requested"])
}

func TestCancel_EmptyBodyAllowed(t *testing.T) {
	orch := &mockOrchestrator{}
	h := handler.NewCancelHandler(orch)

	req := httptest.NewRequest("POST", "/api/v1/instances/"+uuid.NewString()+"/cancel", nil)
	w := serve("POST", "/api/v1/instances/{instanceID}/cancel", h, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, orch.cancelReason)
}

func TestCancel_NotFound(t *testing.T) {
	orch := &mockOrchestrator{cancelErr: saga.ErrNotFound}
	h := handler.NewCancelHandler(orch)

	req := httptest.NewRequest("POST", "/api/v1/instances/"+uuid.NewString()+"/cancel", nil)
	w := serve("POST", "/api/v1/instances/{instanceID}/cancel", h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancel_AlreadyTerminal(t *testing.T) {
	orch := &mockOrchestrator{cancelErr: saga.ErrTerminal}
	h := handler.NewCancelHandler(orch)

	req := httptest.NewRequest("POST", "/api/v1/instances/"+uuid.NewString()+"/cancel", nil)
	w := serve("POST", "/api/v1/instances/{instanceID}/cancel", h, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "ALREADY_TERMINAL", errObj["code"])
}

// ========================================
// Diagnosis Handler Tests
// ========================================

func TestGetDiagnosis_OK(t *testing.T) {
	in := sampleInstance()
	in.State = saga.StateComplete
	in.Diagnosis = &saga.Diagnosis{
		InstanceID: in.ID,
		Subject:    in.Subject,
		Entries: []saga.DiagnosisEntry{
			{Rank: saga.RankPrimary, Category: "leaf_discoloration", Confidence: 0.9, Analyzers: []string{"leaf-vision"}},
			{Rank: saga.RankSecondary, Category: "nutrient_deficiency", Confidence: 0.6, Analyzers: []string{"soil-lab"}},
		},
		CreatedAt: time.Now().UTC(),
	}
	orch := &mockOrchestrator{instance: in}
	h := handler.NewGetDiagnosisHandler(orch)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+in.ID.String()+"/diagnosis", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/diagnosis", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	entries := data["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "primary", entries[0].(map[string]any)["rank"])
}

func TestGetDiagnosis_NotReady(t *testing.T) {
	in := sampleInstance() // analyzing, no diagnosis yet
	orch := &mockOrchestrator{instance: in}
	h := handler.NewGetDiagnosisHandler(orch)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+in.ID.String()+"/diagnosis", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/diagnosis", h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "NO_DIAGNOSIS", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "analyzing", details["state"])
}

func TestGetDiagnosis_InstanceNotFound(t *testing.T) {
	orch := &mockOrchestrator{statusErr: saga.ErrNotFound}
	h := handler.NewGetDiagnosisHandler(orch)

	req := httptest.NewRequest("GET", "/api/v1/instances/"+uuid.NewString()+"/diagnosis", nil)
	w := serve("GET", "/api/v1/instances/{instanceID}/diagnosis", h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ========================================
// Health Handler Tests
// ========================================

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth_AllHealthy(t *testing.T) {
	ok := pingFunc(func(_ context.Context) error { return nil })
	h := handler.NewHealthHandler(ok, ok)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := serve("GET", "/api/v1/health", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	checks := data["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["redis"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	ok := pingFunc(func(_ context.Context) error { return nil })
	down := pingFunc(func(_ context.Context) error { return errors.New("connection refused") })
	h := handler.NewHealthHandler(down, ok)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := serve("GET", "/api/v1/health", h, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "UNHEALTHY", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "connection refused", details["database"])
	assert.Equal(t, "ok", details["redis"])
}

func TestHealth_NilCacheSkipped(t *testing.T) {
	ok := pingFunc(func(_ context.Context) error { return nil })
	h := handler.NewHealthHandler(ok, nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := serve("GET", "/api/v1/health", h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	checks := data["checks"].(map[string]any)
	_, hasRedis := checks["redis"]
	assert.False(t, hasRedis)
}
