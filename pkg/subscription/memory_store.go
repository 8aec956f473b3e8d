package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. A single mutex makes every
// operation atomic, which gives the same guarantees as the document-level
// atomics of MongoStore. Intended for tests and single-instance deployments.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*TenantSubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*TenantSubscription)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, sub *TenantSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.TenantID]; ok {
		return ErrAlreadyExists
	}
	s.subs[sub.TenantID] = sub.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID uuid.UUID) (*TenantSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) FindByCustomerRef(_ context.Context, ref string) (*TenantSubscription, error) {
	return s.find(func(sub *TenantSubscription) bool {
		return ref != "" && sub.ExternalCustomerRef == ref
	})
}

func (s *MemoryStore) FindBySubscriptionRef(_ context.Context, ref string) (*TenantSubscription, error) {
	return s.find(func(sub *TenantSubscription) bool {
		return ref != "" && sub.ExternalSubscriptionRef == ref
	})
}

func (s *MemoryStore) find(match func(*TenantSubscription) bool) (*TenantSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if match(sub) {
			return sub.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ApplyPatch(_ context.Context, tenantID uuid.UUID, p Patch, eventAt time.Time) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return 0, ErrNotFound
	}
	if !eventAt.IsZero() && sub.LastEventAt != nil && sub.LastEventAt.After(eventAt) {
		return SkippedStale, nil
	}
	if !p.Permits(sub.Status) {
		return SkippedTransition, nil
	}

	p.Apply(sub, time.Now())
	if !eventAt.IsZero() {
		t := eventAt.UTC()
		sub.LastEventAt = &t
	}
	return Applied, nil
}

func (s *MemoryStore) Increment(_ context.Context, tenantID uuid.UUID, counter Counter, delta float64) (*TenantSubscription, error) {
	if !counter.Valid() {
		return nil, ErrUnknownCounter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	counter.add(&sub.Usage, delta)
	sub.UpdatedAt = time.Now().UTC()
	return sub.Clone(), nil
}

func (s *MemoryStore) IncrementWithinLimit(_ context.Context, tenantID uuid.UUID, counter Counter, delta float64) (bool, *TenantSubscription, error) {
	if !counter.Valid() {
		return false, nil, ErrUnknownCounter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return false, nil, ErrNotFound
	}
	if !counter.Fits(sub, delta) {
		return false, sub.Clone(), nil
	}
	counter.add(&sub.Usage, delta)
	sub.UpdatedAt = time.Now().UTC()
	return true, sub.Clone(), nil
}

func (s *MemoryStore) ResetPeriod(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sub := range s.subs {
		if resetPeriod(sub, cutoff, now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetTenantPeriod(_ context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	return resetPeriod(sub, cutoff, now), nil
}

func resetPeriod(sub *TenantSubscription, cutoff, now time.Time) bool {
	if !sub.Usage.LastResetDate.Before(cutoff) {
		return false
	}
	sub.Usage.WorkOrdersThisMonth = 0
	sub.Usage.SmsThisMonth = 0
	sub.Usage.LastResetDate = now.UTC()
	sub.UpdatedAt = now.UTC()
	return true
}
