package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Admission is the outcome of offering a trigger to the dedup gate.
type Admission struct {
	// Admitted is true when a new saga instance was opened for the trigger.
	Admitted bool `json:"admitted"`

	// InstanceID is the opened instance, or the instance the trigger was
	// merged or queued into.
	InstanceID uuid.UUID `json:"instance_id"`

	// Merged is true when the payload was appended to an active pre-triage
	// instance instead of opening a new one.
	Merged bool `json:"merged"`

	// QueuedFollowUp is true when the active instance had already advanced
	// past triage; the payload will open a new saga once it finishes.
	QueuedFollowUp bool `json:"queued_follow_up"`
}

// Gate collapses bursts of triggers for the same subject into one admitted
// unit of work. Window checks are a pure function of wall-clock time and the
// stored instance timestamps; the gate has no retry logic and fails fast on
// store errors.
type Gate struct {
	store  Store
	window time.Duration
}

// NewGate creates a dedup gate with the given merge window.
func NewGate(store Store, window time.Duration) *Gate {
	return &Gate{store: store, window: window}
}

// Admit offers a trigger. At most one non-terminal instance per subject ever
// exists: a second trigger is merged (pre-triage, inside the window) or
// queued as a follow-up (post-triage), never dropped. When the active
// instance moves under the gate — a worker advanced it, it finished — the
// gate re-reads and re-evaluates from the fresh state.
func (g *Gate) Admit(ctx context.Context, trig Trigger) (*Admission, error) {
	for {
		active, err := g.store.GetActiveBySubject(ctx, trig.Subject)
		if errors.Is(err, ErrNotFound) {
			return g.open(ctx, trig)
		}
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}

		mergeable := active.State == StatePendingDedup || active.State == StateTriaging
		inWindow := trig.ArrivedAt.Sub(active.UpdatedAt) <= g.window

		if mergeable && inWindow {
			// A re-offered payload ref merges to a single entry, so
			// re-drained follow-ups never duplicate work.
			if containsRef(active.PayloadRefs, trig.PayloadRef) {
				return &Admission{InstanceID: active.ID, Merged: true}, nil
			}
			active.PayloadRefs = append(active.PayloadRefs, trig.PayloadRef)
			err = g.store.UpdateInstance(ctx, active)
			if err == nil {
				return &Admission{InstanceID: active.ID, Merged: true}, nil
			}
			if admitRaced(err) {
				continue
			}
			return nil, fmt.Errorf("merge trigger: %w", err)
		}

		// Past triage, or the merge window lapsed while the saga is still
		// running: queue the payload so it starts a fresh saga on completion.
		if containsRef(active.FollowUpRefs, trig.PayloadRef) {
			return &Admission{InstanceID: active.ID, QueuedFollowUp: true}, nil
		}
		active.FollowUpRefs = append(active.FollowUpRefs, trig.PayloadRef)
		err = g.store.UpdateInstance(ctx, active)
		if err == nil {
			return &Admission{InstanceID: active.ID, QueuedFollowUp: true}, nil
		}
		if admitRaced(err) {
			continue
		}
		return nil, fmt.Errorf("queue follow-up trigger: %w", err)
	}
}

// admitRaced reports whether the admission write lost to a concurrent writer
// and should be retried from a fresh read: the instance advanced a step,
// reached a terminal state, or disappeared.
func admitRaced(err error) bool {
	return errors.Is(err, ErrStaleInstance) || errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound)
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func (g *Gate) open(ctx context.Context, trig Trigger) (*Admission, error) {
	now := trig.ArrivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	in := &Instance{
		ID:          uuid.New(),
		Subject:     trig.Subject,
		State:       StatePendingDedup,
		PayloadRefs: []string{trig.PayloadRef},
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateInstance(ctx, in); err != nil {
		return nil, fmt.Errorf("open instance: %w", err)
	}
	return &Admission{Admitted: true, InstanceID: in.ID}, nil
}
