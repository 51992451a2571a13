package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the checkpoint persistence interface. All saga state goes through
// here; the write-ahead discipline in the controller assumes every call that
// returns nil has durably committed.
//
// Implementations must enforce the forward-only state graph: an update whose
// state differs from the stored state is rejected with ErrInvalidTransition
// unless CanTransition allows it, and terminal instances are immutable.
type Store interface {
	Ping(ctx context.Context) error

	CreateInstance(ctx context.Context, in *Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error)

	// GetActiveBySubject returns the single non-terminal instance for a
	// subject, or ErrNotFound.
	GetActiveBySubject(ctx context.Context, subject string) (*Instance, error)

	// UpdateInstance checkpoints the full instance, including invocations and
	// the diagnosis. The write is conditional on in.Version matching the
	// stored version: a mismatch returns ErrStaleInstance and writes nothing,
	// so a worker's stale copy can never erase payloads the gate merged or a
	// cancel request persisted in between. On success the stored version and
	// in.Version advance by one. Same-state writes (merged payloads, cancel
	// flag, branch results) are allowed on non-terminal instances.
	UpdateInstance(ctx context.Context, in *Instance) error

	// MarkPublished records that a completed instance's diagnosis was handed
	// off to consumers. Exempt from terminal immutability.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// ClearFollowUps records that the instance's queued follow-up payloads
	// were re-admitted. Exempt from terminal immutability.
	ClearFollowUps(ctx context.Context, id uuid.UUID) error

	// AcquireLease grants exclusive ownership of an instance to one worker.
	// Returns ErrLeaseHeld while another worker's unexpired lease exists.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	RenewLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error

	// ListResumable returns instances still owed work whose lease is absent
	// or expired at now: non-terminal instances (crash recovery), plus
	// terminal ones with an unpublished diagnosis or undrained follow-ups
	// (a crash between the terminal checkpoint and the epilogue).
	ListResumable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// AppendFeedback records a triage-vs-diagnosis pair. Append-only.
	AppendFeedback(ctx context.Context, rec *FeedbackRecord) error
}
