// Package memstore is an in-memory checkpoint store for development and
// tests. It enforces the same transition and lease semantics as the Postgres
// store but durability obviously does not survive the process.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// Store implements saga.Store in memory.
type Store struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*saga.Instance
	leases    map[uuid.UUID]lease
	feedback  []*saga.FeedbackRecord
}

// New creates an empty store.
func New() *Store {
	return &Store{
		instances: make(map[uuid.UUID]*saga.Instance),
		leases:    make(map[uuid.UUID]lease),
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) CreateInstance(_ context.Context, in *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[in.ID] = clone(in)
	return nil
}

func (s *Store) GetInstance(_ context.Context, id uuid.UUID) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return clone(in), nil
}

func (s *Store) GetActiveBySubject(_ context.Context, subject string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.instances {
		if in.Subject == subject && !in.State.Terminal() {
			return clone(in), nil
		}
	}
	return nil, saga.ErrNotFound
}

func (s *Store) UpdateInstance(_ context.Context, in *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[in.ID]
	if !ok {
		return saga.ErrNotFound
	}
	if current.State.Terminal() {
		return saga.ErrTerminal
	}
	if in.Version != current.Version {
		return saga.ErrStaleInstance
	}
	if in.State != current.State && !saga.CanTransition(current.State, in.State) {
		return saga.ErrInvalidTransition
	}
	in.Version++
	s.instances[in.ID] = clone(in)
	return nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return saga.ErrNotFound
	}
	in.Published = true
	return nil
}

func (s *Store) ClearFollowUps(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return saga.ErrNotFound
	}
	in.FollowUpRefs = nil
	return nil
}

func (s *Store) AcquireLease(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return saga.ErrNotFound
	}
	now := time.Now()
	if l, ok := s.leases[id]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return saga.ErrLeaseHeld
	}
	s.leases[id] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) RenewLease(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.owner != owner {
		return saga.ErrLeaseHeld
	}
	l.expiresAt = time.Now().Add(ttl)
	s.leases[id] = l
	return nil
}

func (s *Store) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *Store) ListResumable(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, in := range s.instances {
		// Terminal instances still owe work when their diagnosis was never
		// handed off or follow-up payloads were never re-admitted.
		owed := !in.State.Terminal() ||
			(in.State == saga.StateComplete && in.Diagnosis != nil && !in.Published) ||
			len(in.FollowUpRefs) > 0
		if !owed {
			continue
		}
		if l, ok := s.leases[id]; ok && now.Before(l.expiresAt) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendFeedback(_ context.Context, rec *saga.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.feedback = append(s.feedback, &cp)
	return nil
}

// Feedback returns the appended feedback records. Test helper.
func (s *Store) Feedback() []*saga.FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*saga.FeedbackRecord, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// clone deep-copies an instance so callers never alias stored state.
func clone(in *saga.Instance) *saga.Instance {
	cp := *in
	cp.PayloadRefs = append([]string(nil), in.PayloadRefs...)
	cp.FollowUpRefs = append([]string(nil), in.FollowUpRefs...)
	cp.Invocations = append([]saga.Invocation(nil), in.Invocations...)
	if in.Triage != nil {
		t := *in.Triage
		cp.Triage = &t
	}
	if in.Diagnosis != nil {
		d := *in.Diagnosis
		d.Entries = append([]saga.DiagnosisEntry(nil), in.Diagnosis.Entries...)
		cp.Diagnosis = &d
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

var _ saga.Store = (*Store)(nil)
