package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Recorder appends triage-prediction-vs-realized-diagnosis pairs for the
// external calibration job. Recording is best-effort telemetry: a failed
// append is logged and never fails or delays the saga.
type Recorder struct {
	store Store
}

// NewRecorder creates a feedback recorder backed by the checkpoint store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one feedback record. Fire-and-forget.
func (r *Recorder) Record(ctx context.Context, in *Instance, diag *Diagnosis) {
	if in.Triage == nil || diag == nil {
		return
	}

	rec := &FeedbackRecord{
		ID:               uuid.New(),
		InstanceID:       in.ID,
		TriageCategory:   in.Triage.Category,
		TriageConfidence: in.Triage.Confidence,
		PrimaryCategory:  diag.Primary().Category,
		CreatedAt:        time.Now().UTC(),
	}

	if err := r.store.AppendFeedback(ctx, rec); err != nil {
		slog.Warn("feedback append failed",
			"instance_id", in.ID,
			"error", err,
		)
	}
}
