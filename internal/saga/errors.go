package saga

import "errors"

var (
	// ErrNotFound is returned when no instance exists for an ID.
	ErrNotFound = errors.New("saga instance not found")

	// ErrInvalidTransition is returned by stores rejecting a checkpoint that
	// would move the state machine backward or mutate a terminal instance.
	ErrInvalidTransition = errors.New("invalid saga state transition")

	// ErrStaleInstance is returned when a checkpoint write presents a version
	// that no longer matches the stored instance. The writer must re-read,
	// merge, and retry rather than overwrite the concurrent write.
	ErrStaleInstance = errors.New("saga instance was modified concurrently")

	// ErrLeaseHeld is returned when another worker holds the instance lease.
	ErrLeaseHeld = errors.New("saga instance lease held by another worker")

	// ErrCheckpointWrite wraps a failed durable write. Correctness depends on
	// the write-ahead discipline, so the saga halts rather than proceed on
	// unpersisted state.
	ErrCheckpointWrite = errors.New("checkpoint write failed")

	// ErrNoAnalyzerResult means zero analyzer branches succeeded — the only
	// branch outcome combination that fails a saga.
	ErrNoAnalyzerResult = errors.New("no analyzer produced a result")

	// ErrTerminal is returned when an operation targets an instance that has
	// already reached a terminal state.
	ErrTerminal = errors.New("saga instance is terminal")
)
