// Package saga implements the diagnosis orchestration engine: admission of
// quality-issue triggers, triage, conditional analyzer fan-out, aggregation
// into a ranked diagnosis, and crash recovery over a checkpointed state
// machine.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// State tracks where a saga instance is in its lifecycle.
type State string

const (
	// StatePendingDedup means admitted by the gate, triage not started.
	StatePendingDedup State = "pending_dedup"

	// StateTriaging means the triage classifier is (about to be) running.
	StateTriaging State = "triaging"

	// StateAnalyzing means analyzer branches are (about to be) running.
	// Routing is a pure function and is not checkpointed separately.
	StateAnalyzing State = "analyzing"

	// StateAggregating means analyzer results are being merged.
	StateAggregating State = "aggregating"

	// StateComplete means a diagnosis was published. Terminal.
	StateComplete State = "complete"

	// StateFailed means the saga hit an unrecoverable error. Terminal.
	StateFailed State = "failed"

	// StateCancelled means an operator cancelled the saga. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final and immutable.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// validTransitions is the forward-only state graph. Cancellation is allowed
// from any non-terminal state and is handled separately.
var validTransitions = map[State][]State{
	StatePendingDedup: {StateTriaging},
	StateTriaging:     {StateAnalyzing, StateFailed},
	StateAnalyzing:    {StateAggregating, StateFailed},
	StateAggregating:  {StateComplete, StateFailed},
}

// CanTransition reports whether from → to is a legal forward transition.
func CanTransition(from, to State) bool {
	if to == StateCancelled {
		return !from.Terminal()
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reason codes surfaced to operators and consumers.
const (
	ReasonNoAnalyzerResult = "no_analyzer_result"
	ReasonTriageFailed     = "triage_failed"
	ReasonCheckpointWrite  = "checkpoint_write"
)

// Trigger is one admitted unit of work: a subject with a payload reference.
type Trigger struct {
	Subject    string    `json:"subject"`
	PayloadRef string    `json:"payload_ref"`
	ArrivedAt  time.Time `json:"arrived_at"`
}

// TriageResult is the checkpointed output of the triage classifier.
type TriageResult struct {
	Category     string    `json:"category"`
	Confidence   float64   `json:"confidence"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// InvocationStatus tracks one analyzer branch.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Invocation is one branch of an analyzer fan-out. Invocations are never
// deleted; they stay on the instance as the audit trail, including branches
// whose results were dropped from the diagnosis.
type Invocation struct {
	ID         uuid.UUID        `json:"id"`
	Analyzer   string           `json:"analyzer"`
	Generation int              `json:"generation"`
	Status     InvocationStatus `json:"status"`
	Category   string           `json:"category,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Findings   string           `json:"findings,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	// FinishOrder is the fan-in completion rank of this branch, used as the
	// deterministic tie-break when confidences are equal.
	FinishOrder int `json:"finish_order"`
}

// Succeeded reports whether the branch produced a usable result.
func (inv *Invocation) Succeeded() bool { return inv.Status == InvocationSucceeded }

// EntryRank marks a diagnosis entry as primary or secondary.
type EntryRank string

const (
	RankPrimary   EntryRank = "primary"
	RankSecondary EntryRank = "secondary"
)

// DiagnosisEntry is one ranked candidate in a diagnosis.
type DiagnosisEntry struct {
	Rank       EntryRank `json:"rank"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Analyzers  []string  `json:"analyzers"`
}

// Diagnosis is the immutable aggregation output published to consumers.
// Exactly one entry is primary.
type Diagnosis struct {
	InstanceID    uuid.UUID        `json:"instance_id"`
	Subject       string           `json:"subject"`
	Entries       []DiagnosisEntry `json:"entries"`
	LowConfidence bool             `json:"low_confidence"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Primary returns the primary entry.
func (d *Diagnosis) Primary() DiagnosisEntry {
	for _, e := range d.Entries {
		if e.Rank == RankPrimary {
			return e
		}
	}
	return DiagnosisEntry{}
}

// FeedbackRecord pairs a triage prediction with the realized diagnosis, for
// the external calibration job.
type FeedbackRecord struct {
	ID               uuid.UUID `json:"id"`
	InstanceID       uuid.UUID `json:"instance_id"`
	TriageCategory   string    `json:"triage_category"`
	TriageConfidence float64   `json:"triage_confidence"`
	PrimaryCategory  string    `json:"primary_category"`
	CreatedAt        time.Time `json:"created_at"`
}

// Instance is the checkpointed record of one diagnosis run. It is owned by
// exactly one worker at a time (enforced by the store lease) and persisted
// after every state transition.
type Instance struct {
	ID      uuid.UUID `json:"id"`
	Subject string    `json:"subject"`
	State   State     `json:"state"`

	// Version is the optimistic-concurrency stamp. Every checkpoint write
	// presents the version it read and advances it by one; a mismatch means
	// the gate or a cancel wrote in between and the writer must re-read.
	Version int64 `json:"version"`

	// PayloadRefs are the payloads merged into this run by the dedup gate.
	PayloadRefs []string `json:"payload_refs"`

	// FollowUpRefs are payloads that arrived after triage started; they open
	// a new saga once this one reaches a terminal state.
	FollowUpRefs []string `json:"follow_up_refs,omitempty"`

	Triage *TriageResult `json:"triage,omitempty"`

	// Generation counts routing decisions; invocations are tagged with the
	// generation they were dispatched under and never reused across retries.
	Generation  int          `json:"generation"`
	Invocations []Invocation `json:"invocations,omitempty"`

	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`

	// Published is set once the diagnosis handoff (publication and feedback)
	// has run, so crash recovery never re-publishes a delivered diagnosis.
	Published bool `json:"published,omitempty"`

	FailureReason   string `json:"failure_reason,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	RetryCount      int    `json:"retry_count"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SucceededInvocations returns the branches of the current generation that
// produced a usable result.
func (in *Instance) SucceededInvocations() []Invocation {
	var out []Invocation
	for _, inv := range in.Invocations {
		if inv.Generation == in.Generation && inv.Succeeded() {
			out = append(out, inv)
		}
	}
	return out
}
