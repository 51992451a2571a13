// Package pgstore persists saga checkpoints in PostgreSQL using pgx/v5.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

// Store implements saga.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ saga.Store = (*Store)(nil)

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const instanceColumns = `id, subject, state, version, payload_refs, follow_up_refs,
	triage_category, triage_confidence, triage_at, generation, diagnosis, published,
	failure_reason, cancel_requested, cancel_reason, retry_count,
	started_at, updated_at, completed_at`

func (s *Store) CreateInstance(ctx context.Context, in *saga.Instance) error {
	var triageCategory *string
	var triageConfidence *float64
	var triageAt *time.Time
	if in.Triage != nil {
		triageCategory = &in.Triage.Category
		triageConfidence = &in.Triage.Confidence
		triageAt = &in.Triage.ClassifiedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_instances (id, subject, state, version, payload_refs, follow_up_refs,
		   triage_category, triage_confidence, triage_at, generation, diagnosis, published,
		   failure_reason, cancel_requested, cancel_reason, retry_count,
		   started_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		in.ID, in.Subject, in.State, in.Version, refsOrEmpty(in.PayloadRefs), refsOrEmpty(in.FollowUpRefs),
		triageCategory, triageConfidence, triageAt, in.Generation, in.Diagnosis, in.Published,
		nullIfEmpty(in.FailureReason), in.CancelRequested, nullIfEmpty(in.CancelReason), in.RetryCount,
		in.StartedAt, in.UpdatedAt, in.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create instance: active instance exists for subject %q: %w", in.Subject, err)
		}
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM saga_instances WHERE id = $1`, id)
	in, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	if err := s.loadInvocations(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Store) GetActiveBySubject(ctx context.Context, subject string) (*saga.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM saga_instances
		 WHERE subject = $1 AND state NOT IN ('complete', 'failed', 'cancelled')
		 LIMIT 1`, subject)
	in, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active by subject: %w", err)
	}

	if err := s.loadInvocations(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Store) UpdateInstance(ctx context.Context, in *saga.Instance) error {
	// Fetch current state and validate the transition before writing,
	// mirroring the forward-only graph enforced by the in-memory store.
	var current saga.State
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT state, version FROM saga_instances WHERE id = $1`, in.ID).Scan(&current, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get instance state: %w", err)
	}
	if current.Terminal() {
		return saga.ErrTerminal
	}
	if version != in.Version {
		return saga.ErrStaleInstance
	}
	if current != in.State && !saga.CanTransition(current, in.State) {
		return fmt.Errorf("%w: %s -> %s", saga.ErrInvalidTransition, current, in.State)
	}

	var triageCategory *string
	var triageConfidence *float64
	var triageAt *time.Time
	if in.Triage != nil {
		triageCategory = &in.Triage.Category
		triageConfidence = &in.Triage.Confidence
		triageAt = &in.Triage.ClassifiedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE saga_instances SET
		   state = $2, version = version + 1, payload_refs = $3, follow_up_refs = $4,
		   triage_category = $5, triage_confidence = $6, triage_at = $7,
		   generation = $8, diagnosis = $9, failure_reason = $10,
		   cancel_requested = $11, cancel_reason = $12, retry_count = $13,
		   updated_at = $14, completed_at = $15
		 WHERE id = $1 AND version = $16`,
		in.ID, in.State, refsOrEmpty(in.PayloadRefs), refsOrEmpty(in.FollowUpRefs),
		triageCategory, triageConfidence, triageAt,
		in.Generation, in.Diagnosis, nullIfEmpty(in.FailureReason),
		in.CancelRequested, nullIfEmpty(in.CancelReason), in.RetryCount,
		in.UpdatedAt, in.CompletedAt, in.Version)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another writer got in between the read and the write.
		return saga.ErrStaleInstance
	}

	for i := range in.Invocations {
		inv := &in.Invocations[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO analyzer_invocations (id, instance_id, generation, analyzer, status,
			   category, confidence, findings, error_message, started_at, completed_at, finish_order)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET
			   status = EXCLUDED.status,
			   category = EXCLUDED.category,
			   confidence = EXCLUDED.confidence,
			   findings = EXCLUDED.findings,
			   error_message = EXCLUDED.error_message,
			   completed_at = EXCLUDED.completed_at,
			   finish_order = EXCLUDED.finish_order`,
			inv.ID, in.ID, inv.Generation, inv.Analyzer, inv.Status,
			inv.Category, inv.Confidence, inv.Findings, inv.Error,
			inv.StartedAt, inv.CompletedAt, inv.FinishOrder)
		if err != nil {
			return fmt.Errorf("upsert invocation %s: %w", inv.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	in.Version++
	return nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE saga_instances SET published = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrNotFound
	}
	return nil
}

func (s *Store) ClearFollowUps(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE saga_instances SET follow_up_refs = '[]'::jsonb WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear follow-ups: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrNotFound
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE saga_instances SET lease_owner = $2, lease_expires_at = $3
		 WHERE id = $1
		   AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at < NOW())`,
		id, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_instances WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !exists {
			return saga.ErrNotFound
		}
		return saga.ErrLeaseHeld
	}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE saga_instances SET lease_expires_at = $3
		 WHERE id = $1 AND lease_owner = $2`,
		id, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrLeaseHeld
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE saga_instances SET lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *Store) ListResumable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM saga_instances
		 WHERE (lease_expires_at IS NULL OR lease_expires_at < $1)
		   AND (state NOT IN ('complete', 'failed', 'cancelled')
		        OR (state = 'complete' AND diagnosis IS NOT NULL AND NOT published)
		        OR jsonb_array_length(follow_up_refs) > 0)
		 ORDER BY updated_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resumable id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AppendFeedback(ctx context.Context, rec *saga.FeedbackRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO triage_feedback (id, instance_id, triage_category, triage_confidence, primary_category, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.InstanceID, rec.TriageCategory, rec.TriageConfidence, rec.PrimaryCategory, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (s *Store) loadInvocations(ctx context.Context, in *saga.Instance) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, generation, analyzer, status, category, confidence, findings,
		   error_message, started_at, completed_at, finish_order
		 FROM analyzer_invocations WHERE instance_id = $1
		 ORDER BY generation ASC, started_at ASC`, in.ID)
	if err != nil {
		return fmt.Errorf("load invocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inv saga.Invocation
		if err := rows.Scan(&inv.ID, &inv.Generation, &inv.Analyzer, &inv.Status,
			&inv.Category, &inv.Confidence, &inv.Findings, &inv.Error,
			&inv.StartedAt, &inv.CompletedAt, &inv.FinishOrder); err != nil {
			return fmt.Errorf("scan invocation: %w", err)
		}
		in.Invocations = append(in.Invocations, inv)
	}
	return rows.Err()
}

func scanInstance(row pgx.Row) (*saga.Instance, error) {
	var in saga.Instance
	var triageCategory *string
	var triageConfidence *float64
	var triageAt *time.Time
	var failureReason, cancelReason *string

	err := row.Scan(&in.ID, &in.Subject, &in.State, &in.Version, &in.PayloadRefs, &in.FollowUpRefs,
		&triageCategory, &triageConfidence, &triageAt, &in.Generation, &in.Diagnosis, &in.Published,
		&failureReason, &in.CancelRequested, &cancelReason, &in.RetryCount,
		&in.StartedAt, &in.UpdatedAt, &in.CompletedAt)
	if err != nil {
		return nil, err
	}

	if triageCategory != nil {
		in.Triage = &saga.TriageResult{
			Category:   *triageCategory,
			Confidence: *triageConfidence,
		}
		if triageAt != nil {
			in.Triage.ClassifiedAt = *triageAt
		}
	}
	if failureReason != nil {
		in.FailureReason = *failureReason
	}
	if cancelReason != nil {
		in.CancelReason = *cancelReason
	}
	return &in, nil
}

// refsOrEmpty normalizes nil slices so the JSONB column stores [] instead of null.
func refsOrEmpty(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks for a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
