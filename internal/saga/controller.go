package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Publisher hands a committed diagnosis to the downstream consumer.
type Publisher interface {
	PublishDiagnosis(ctx context.Context, diag *Diagnosis) error
}

// StatusCache mirrors instance states into a fast store so status polling
// does not hit the checkpoint store. Best-effort.
type StatusCache interface {
	SetInstanceState(ctx context.Context, id uuid.UUID, state State, ttl time.Duration) error
	GetInstanceState(ctx context.Context, id uuid.UUID) (State, bool, error)
}

// Config carries every orchestration threshold as an explicit object threaded
// through the controller's constructor, so tests can inject alternatives
// deterministically.
type Config struct {
	// RoutingThreshold is the triage confidence at or above which only the
	// primary analyzer runs.
	RoutingThreshold float64

	// SecondaryFloor is the minimum confidence for secondary diagnosis entries.
	SecondaryFloor float64

	// LowConfidenceFloor flags diagnoses whose primary confidence is below it.
	LowConfidenceFloor float64

	// PerBranchTimeout bounds each analyzer branch (category overrides apply).
	PerBranchTimeout time.Duration

	// BarrierGrace bounds the fan-in barrier past the per-branch timeout.
	BarrierGrace time.Duration

	// DedupWindow is the per-subject trigger merge window.
	DedupWindow time.Duration

	// TriageTimeout bounds one classifier call.
	TriageTimeout time.Duration

	// TriageRetries is the number of retries after a transient triage failure.
	TriageRetries int

	// TriageBackoff is the base of the exponential retry backoff.
	TriageBackoff time.Duration

	// LeaseTTL is how long a worker owns an instance before a crashed lease
	// becomes reclaimable.
	LeaseTTL time.Duration

	// SweepInterval is how often the resume sweeper looks for orphans.
	SweepInterval time.Duration

	// StatusTTL is the lifetime of cached instance states.
	StatusTTL time.Duration

	// MaxConcurrentSagas bounds the worker pool.
	MaxConcurrentSagas int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RoutingThreshold:   0.7,
		SecondaryFloor:     0.5,
		LowConfidenceFloor: 0.3,
		PerBranchTimeout:   30 * time.Second,
		BarrierGrace:       DefaultBarrierGrace,
		DedupWindow:        time.Hour,
		TriageTimeout:      10 * time.Second,
		TriageRetries:      2,
		TriageBackoff:      500 * time.Millisecond,
		LeaseTTL:           2 * time.Minute,
		SweepInterval:      30 * time.Second,
		StatusTTL:          30 * time.Minute,
		MaxConcurrentSagas: 32,
	}
}

// Controller is the top-level saga state machine. Steps within one instance
// run sequentially; many instances run concurrently across subjects, each
// advanced by one worker goroutine holding the instance lease.
type Controller struct {
	cfg        Config
	store      Store
	classifier capability.Classifier
	route      RouteFunc
	gate       *Gate
	coord      *Coordinator
	agg        *Aggregator
	recorder   *Recorder
	publisher  Publisher
	cache      StatusCache
	owner      string

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*runHandle

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type runHandle struct {
	cancelBranches context.CancelFunc
}

// NewController creates a controller. publisher and cache may be nil.
func NewController(cfg Config, store Store, classifier capability.Classifier, route RouteFunc, publisher Publisher, cache StatusCache) *Controller {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Controller{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		route:      route,
		gate:       NewGate(store, cfg.DedupWindow),
		coord:      NewCoordinator(cfg.BarrierGrace),
		agg:        &Aggregator{SecondaryFloor: cfg.SecondaryFloor, LowConfidenceFloor: cfg.LowConfidenceFloor},
		recorder:   NewRecorder(store),
		publisher:  publisher,
		cache:      cache,
		owner:      fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		sem:        make(chan struct{}, cfg.MaxConcurrentSagas),
		running:    make(map[uuid.UUID]*runHandle),
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
}

// StartOrResume offers a trigger to the dedup gate and dispatches the
// resulting instance. Idempotent: a trigger for a subject with an in-flight
// instance merges or queues into it, and dispatch on an instance whose lease
// is already held is a no-op.
func (c *Controller) StartOrResume(ctx context.Context, trig Trigger) (*Admission, error) {
	adm, err := c.gate.Admit(ctx, trig)
	if err != nil {
		return nil, err
	}

	// Merged and queued triggers ride the worker already holding the lease;
	// dispatching anyway covers the crash case where nobody holds it.
	c.Dispatch(adm.InstanceID)
	return adm, nil
}

// GetStatus returns a read-only snapshot of an instance.
func (c *Controller) GetStatus(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return c.store.GetInstance(ctx, id)
}

// Cancel marks an instance cancelled. In-flight analyzer branches are
// signalled to stop; the saga waits out the fan-in barrier before finalizing
// as cancelled rather than leaving orphaned state.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	for {
		in, err := c.store.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		if in.State.Terminal() {
			return ErrTerminal
		}

		in.CancelRequested = true
		in.CancelReason = reason
		in.UpdatedAt = time.Now().UTC()
		err = c.store.UpdateInstance(ctx, in)
		if err == nil {
			break
		}
		// A worker checkpointed in between; re-read and reapply so the
		// request lands on the current version instead of being lost.
		if errors.Is(err, ErrStaleInstance) {
			continue
		}
		if errors.Is(err, ErrTerminal) {
			return ErrTerminal
		}
		return fmt.Errorf("persist cancel request: %w", err)
	}

	c.mu.Lock()
	h := c.running[id]
	c.mu.Unlock()
	if h != nil {
		h.cancelBranches()
	}

	// If no worker holds the instance (crashed mid-saga), finalize it here
	// instead of waiting for the sweeper.
	c.Dispatch(id)
	return nil
}

// Dispatch advances an instance on a pooled worker goroutine. Safe to call
// for instances another worker owns; lease acquisition resolves the race.
func (c *Controller) Dispatch(id uuid.UUID) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.run(context.Background(), id)
	}()
}

// Start launches the resume sweeper, which reclaims instances whose worker
// crashed (expired lease) and re-dispatches them.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		c.sweep(ctx)
		for {
			select {
			case <-ticker.C:
				c.sweep(ctx)
			case <-c.sweepStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for in-flight workers, bounded by ctx.
func (c *Controller) Stop(ctx context.Context) error {
	close(c.sweepStop)
	select {
	case <-c.sweepDone:
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("saga workers did not drain: %w", ctx.Err())
	}
}

func (c *Controller) sweep(ctx context.Context) {
	ids, err := c.store.ListResumable(ctx, time.Now().UTC(), c.cfg.MaxConcurrentSagas)
	if err != nil {
		slog.Error("resume sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		slog.Info("resuming orphaned instance", "instance_id", id)
		c.Dispatch(id)
	}
}

// run advances one instance until it reaches a terminal state. Every state
// transition is committed before the action associated with the new state is
// taken, so a crash between transitions loses at most one step of work.
func (c *Controller) run(ctx context.Context, id uuid.UUID) {
	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	// The store lease is re-entrant for this worker's owner id, so guard
	// against a second in-process goroutine (a sweep racing a dispatch)
	// advancing the same instance concurrently.
	c.mu.Lock()
	if _, busy := c.running[id]; busy {
		c.mu.Unlock()
		return
	}
	c.running[id] = &runHandle{cancelBranches: cancelBranches}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
	}()

	if err := c.store.AcquireLease(ctx, id, c.owner, c.cfg.LeaseTTL); err != nil {
		if !errors.Is(err, ErrLeaseHeld) {
			slog.Error("lease acquisition failed", "instance_id", id, "error", err)
		}
		return
	}
	defer func() {
		if err := c.store.ReleaseLease(context.Background(), id, c.owner); err != nil {
			slog.Warn("lease release failed", "instance_id", id, "error", err)
		}
	}()

	for {
		// Reload between steps: the gate may have merged payloads and Cancel
		// may have set the flag since the last checkpoint.
		in, err := c.store.GetInstance(ctx, id)
		if err != nil {
			slog.Error("instance load failed", "instance_id", id, "error", err)
			return
		}

		if in.State.Terminal() {
			c.finish(ctx, in)
			return
		}

		if err := c.store.RenewLease(ctx, id, c.owner, c.cfg.LeaseTTL); err != nil {
			slog.Error("lease renewal failed", "instance_id", id, "error", err)
			return
		}

		if in.CancelRequested {
			c.finalizeCancelled(ctx, in)
			c.finish(ctx, in)
			return
		}

		if err := c.step(ctx, branchCtx, in); err != nil {
			// Checkpoint write failures halt the saga on unpersisted state;
			// the lease expires and the sweeper retries from the last
			// committed step.
			slog.Error("saga step failed",
				"instance_id", id,
				"state", in.State,
				"error", err,
			)
			return
		}
	}
}

// step executes the action associated with the instance's current committed
// state and transitions forward.
func (c *Controller) step(ctx, branchCtx context.Context, in *Instance) error {
	switch in.State {
	case StatePendingDedup:
		return c.transition(ctx, in, StateTriaging)

	case StateTriaging:
		return c.doTriage(ctx, in)

	case StateAnalyzing:
		return c.doAnalyze(ctx, branchCtx, in)

	case StateAggregating:
		return c.doAggregate(ctx, in)

	default:
		return fmt.Errorf("unexpected state %q", in.State)
	}
}

// doTriage classifies the trigger payload with bounded retries on transient
// failures, records the result, and advances to analyzing.
func (c *Controller) doTriage(ctx context.Context, in *Instance) error {
	var (
		result capability.ClassifyResult
		err    error
	)

	backoff := c.cfg.TriageBackoff
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.TriageTimeout)
		result, err = c.classifier.Classify(cctx, primaryPayloadRef(in))
		cancel()
		if err == nil {
			break
		}

		transient := errors.Is(err, capability.ErrUnavailable) || errors.Is(err, capability.ErrTimeout)
		if !transient || attempt >= c.cfg.TriageRetries {
			slog.Error("triage failed",
				"instance_id", in.ID,
				"subject", in.Subject,
				"attempts", attempt+1,
				"error", err,
			)
			return c.fail(ctx, in, ReasonTriageFailed)
		}

		slog.Warn("triage transient failure, retrying",
			"instance_id", in.ID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		in.RetryCount++

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	in.Triage = &TriageResult{
		Category:     result.Category,
		Confidence:   result.Confidence,
		ClassifiedAt: time.Now().UTC(),
	}
	in.Generation++

	slog.Info("triage complete",
		"instance_id", in.ID,
		"subject", in.Subject,
		"category", result.Category,
		"confidence", result.Confidence,
	)
	return c.transition(ctx, in, StateAnalyzing)
}

// doAnalyze routes the triage result to an analyzer set, fans out, and joins
// at the barrier. Partial success proceeds to aggregation; zero successes is
// the only branch outcome that fails the saga.
func (c *Controller) doAnalyze(ctx, branchCtx context.Context, in *Instance) error {
	set, err := c.route(in.Triage.Category, in.Triage.Confidence)
	if err != nil {
		slog.Error("routing failed", "instance_id", in.ID, "error", err)
		return c.fail(ctx, in, ReasonNoAnalyzerResult)
	}

	invs := c.coord.RunBranches(branchCtx, in.ID, in.Generation, in.Triage.Category, primaryPayloadRef(in), set)
	in.Invocations = append(in.Invocations, invs...)

	if branchCtx.Err() != nil {
		// Cancel arrived while branches were in flight. Checkpoint the
		// invocation audit trail and let the main loop finalize as cancelled.
		in.UpdatedAt = time.Now().UTC()
		if err := c.checkpoint(ctx, in); err != nil && !errors.Is(err, errCancelSuperseded) {
			return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
		}
		return nil
	}

	succeeded := 0
	for _, inv := range invs {
		if inv.Succeeded() {
			succeeded++
		}
	}
	slog.Info("fan-in complete",
		"instance_id", in.ID,
		"branches", len(invs),
		"succeeded", succeeded,
	)

	if succeeded == 0 {
		return c.fail(ctx, in, ReasonNoAnalyzerResult)
	}
	return c.transition(ctx, in, StateAggregating)
}

func (c *Controller) doAggregate(ctx context.Context, in *Instance) error {
	diag, err := c.agg.Aggregate(in)
	if err != nil {
		return c.fail(ctx, in, ReasonNoAnalyzerResult)
	}

	in.Diagnosis = diag
	now := time.Now().UTC()
	in.CompletedAt = &now
	return c.transition(ctx, in, StateComplete)
}

// finish runs the post-terminal epilogue: publication, feedback, and
// follow-up chaining. Each half records its completion on the instance, so a
// crash between the terminal checkpoint and the epilogue leaves the instance
// visible to the sweeper and the work is re-driven instead of dropped.
func (c *Controller) finish(ctx context.Context, in *Instance) {
	if in.State == StateComplete && in.Diagnosis != nil && !in.Published {
		delivered := true
		if c.publisher != nil {
			if err := c.publisher.PublishDiagnosis(ctx, in.Diagnosis); err != nil {
				slog.Error("diagnosis publication failed", "instance_id", in.ID, "error", err)
				delivered = false
			}
		}
		if delivered {
			c.recorder.Record(ctx, in, in.Diagnosis)
			if err := c.store.MarkPublished(ctx, in.ID); err != nil {
				slog.Warn("publish marker write failed", "instance_id", in.ID, "error", err)
			}
		}
	}

	c.chainFollowUps(ctx, in)
}

// chainFollowUps re-admits payloads that arrived after triage started, so
// late legitimate events are never silently dropped. The refs stay queued on
// the instance until every admission lands; a crash mid-drain is swept up
// and re-admitted, which the gate collapses instead of duplicating.
func (c *Controller) chainFollowUps(ctx context.Context, in *Instance) {
	if len(in.FollowUpRefs) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, ref := range in.FollowUpRefs {
		adm, err := c.gate.Admit(ctx, Trigger{Subject: in.Subject, PayloadRef: ref, ArrivedAt: now})
		if err != nil {
			slog.Error("follow-up admission failed",
				"instance_id", in.ID,
				"subject", in.Subject,
				"error", err,
			)
			return
		}
		slog.Info("follow-up saga opened",
			"instance_id", adm.InstanceID,
			"parent_id", in.ID,
			"admitted", adm.Admitted,
		)
		c.Dispatch(adm.InstanceID)
	}

	if err := c.store.ClearFollowUps(ctx, in.ID); err != nil {
		slog.Warn("follow-up drain record failed", "instance_id", in.ID, "error", err)
	}
}

func (c *Controller) finalizeCancelled(ctx context.Context, in *Instance) {
	now := time.Now().UTC()
	in.CompletedAt = &now
	if err := c.transition(ctx, in, StateCancelled); err != nil {
		slog.Error("cancel finalization failed", "instance_id", in.ID, "error", err)
	}
}

func (c *Controller) fail(ctx context.Context, in *Instance, reason string) error {
	in.FailureReason = reason
	now := time.Now().UTC()
	in.CompletedAt = &now
	return c.transition(ctx, in, StateFailed)
}

// errCancelSuperseded aborts a checkpoint because a cancel request landed
// after the step started; the step's outcome is discarded.
var errCancelSuperseded = errors.New("cancel request superseded checkpoint")

// transition commits the state change before the next action runs. A failed
// checkpoint write halts the saga rather than proceed on unpersisted state;
// a cancel that raced the step wins, and the main loop finalizes it.
func (c *Controller) transition(ctx context.Context, in *Instance, next State) error {
	prev := in.State
	in.State = next
	in.UpdatedAt = time.Now().UTC()
	if err := c.checkpoint(ctx, in); err != nil {
		if errors.Is(err, errCancelSuperseded) {
			in.State = prev
			return nil
		}
		return fmt.Errorf("%w: %s to %s: %v", ErrCheckpointWrite, prev, next, err)
	}

	if c.cache != nil {
		if err := c.cache.SetInstanceState(ctx, in.ID, next, c.cfg.StatusTTL); err != nil {
			slog.Warn("status cache update failed", "instance_id", in.ID, "error", err)
		}
	}
	return nil
}

// checkpoint writes the instance, absorbing the writes the gate and Cancel
// are allowed to make while the worker is between its own checkpoints. On a
// version conflict the fresh copy's merged payloads, queued follow-ups, and
// cancel flag are folded into the worker's copy and the write retried, so a
// stale worker never erases them. A pending cancel aborts forward
// transitions with errCancelSuperseded instead of committing them.
func (c *Controller) checkpoint(ctx context.Context, in *Instance) error {
	for {
		err := c.store.UpdateInstance(ctx, in)
		if !errors.Is(err, ErrStaleInstance) {
			return err
		}

		fresh, ferr := c.store.GetInstance(ctx, in.ID)
		if ferr != nil {
			return ferr
		}
		in.Version = fresh.Version
		in.PayloadRefs = fresh.PayloadRefs
		in.FollowUpRefs = fresh.FollowUpRefs
		if fresh.CancelRequested {
			in.CancelRequested = true
			if in.CancelReason == "" {
				in.CancelReason = fresh.CancelReason
			}
			if in.State != fresh.State && in.State != StateCancelled {
				return errCancelSuperseded
			}
		}
	}
}

// primaryPayloadRef is the oldest admitted payload; merged siblings stay on
// the instance and are resolvable by capabilities through the subject's
// document store.
func primaryPayloadRef(in *Instance) string {
	if len(in.PayloadRefs) == 0 {
		return ""
	}
	return in.PayloadRefs[0]
}
