package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// DefaultBarrierGrace bounds how long the fan-in barrier waits past the
// per-branch timeout for branches that ignore cancellation.
const DefaultBarrierGrace = 5 * time.Second

// Coordinator dispatches analyzer branches concurrently and joins them at a
// barrier. A branch timeout or error never fails the saga by itself; callers
// apply the proceed-without policy over the returned invocations.
type Coordinator struct {
	grace time.Duration
}

// NewCoordinator creates a coordinator with the given barrier grace.
func NewCoordinator(grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = DefaultBarrierGrace
	}
	return &Coordinator{grace: grace}
}

type branchResult struct {
	index  int
	result capability.AnalyzeResult
	err    error
}

// RunBranches runs every analyzer in the set concurrently, each under its own
// timeout, and waits until all branches reach a terminal status or the
// saga-level ceiling (perBranchTimeout + grace) elapses. Every returned
// invocation is terminal: succeeded, failed, or timed_out.
func (c *Coordinator) RunBranches(ctx context.Context, instanceID uuid.UUID, generation int, category, payloadRef string, set AnalyzerSet) []Invocation {
	n := len(set.Analyzers)
	invs := make([]Invocation, n)
	results := make(chan branchResult, n)
	started := time.Now().UTC()

	for i, a := range set.Analyzers {
		invs[i] = Invocation{
			ID:         uuid.New(),
			Analyzer:   a.Name(),
			Generation: generation,
			Status:     InvocationRunning,
			StartedAt:  started,
		}

		go func(idx int, a capability.Analyzer) {
			bctx, cancel := context.WithTimeout(ctx, set.PerBranchTimeout)
			defer cancel()

			res, err := a.Analyze(bctx, category, payloadRef)
			results <- branchResult{index: idx, result: res, err: err}
		}(i, a)
	}

	ceiling := time.NewTimer(set.PerBranchTimeout + c.grace)
	defer ceiling.Stop()

	finishOrder := 0
	for done := 0; done < n; done++ {
		select {
		case r := <-results:
			now := time.Now().UTC()
			inv := &invs[r.index]
			inv.CompletedAt = &now
			inv.FinishOrder = finishOrder
			finishOrder++

			switch {
			case r.err == nil:
				inv.Status = InvocationSucceeded
				inv.Category = r.result.Category
				inv.Confidence = r.result.Confidence
				inv.Findings = r.result.Findings
			case isBranchTimeout(r.err):
				inv.Status = InvocationTimedOut
				inv.Error = r.err.Error()
				slog.Warn("analyzer branch timed out",
					"instance_id", instanceID,
					"analyzer", inv.Analyzer,
					"timeout", set.PerBranchTimeout,
				)
			default:
				inv.Status = InvocationFailed
				inv.Error = r.err.Error()
				slog.Warn("analyzer branch failed",
					"instance_id", instanceID,
					"analyzer", inv.Analyzer,
					"error", r.err,
				)
			}

		case <-ceiling.C:
			// A branch is ignoring its cancellation signal. Close the barrier
			// anyway so total wall-clock time stays bounded.
			now := time.Now().UTC()
			for i := range invs {
				if invs[i].Status == InvocationRunning {
					invs[i].Status = InvocationTimedOut
					invs[i].Error = "barrier ceiling elapsed"
					invs[i].CompletedAt = &now
					invs[i].FinishOrder = finishOrder
					finishOrder++
				}
			}
			slog.Warn("fan-in barrier ceiling elapsed",
				"instance_id", instanceID,
				"branches", n,
			)
			return invs
		}
	}

	return invs
}

// isBranchTimeout reports whether a branch error is a deadline rather than a
// capability-reported failure.
func isBranchTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, capability.ErrTimeout)
}
