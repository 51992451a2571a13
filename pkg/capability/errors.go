package capability

import "errors"

var (
	// ErrUnavailable marks an infrastructure-level failure of a capability
	// call. Triage treats it as transient and retries; analyzers do not.
	ErrUnavailable = errors.New("capability unavailable")

	// ErrTimeout marks a capability call that exceeded its deadline.
	ErrTimeout = errors.New("capability timeout")

	// ErrInvalidResponse marks a capability that answered with a payload the
	// orchestrator could not decode.
	ErrInvalidResponse = errors.New("capability returned invalid response")
)
