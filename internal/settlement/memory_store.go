package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and local dev.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	revenue map[string]*RevenueEntry
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		revenue: make(map[string]*RevenueEntry),
	}
}

func (m *MemoryStore) Begin(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.ChallengeID]; ok {
		return existing.clone(), false, nil
	}
	cp := rec.clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.records[rec.ChallengeID] = cp
	return cp.clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, challengeID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[challengeID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.ChallengeID]
	if !ok {
		return ErrRecordNotFound
	}
	if cur.Version != rec.Version {
		return ErrConcurrencyConflict
	}
	rec.Version++
	m.records[rec.ChallengeID] = rec.clone()
	return nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, staleBefore, now time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if r.Halted() {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		stuck := !r.Completed() && r.UpdatedAt.Before(staleBefore)
		partial := r.Completed() && r.Outcome == OutcomePartialFailure
		if stuck || partial {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordRevenue(_ context.Context, entry *RevenueEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revenue[entry.ChallengeID]; ok {
		return false, nil
	}
	cp := *entry
	m.revenue[entry.ChallengeID] = &cp
	return true, nil
}

func (m *MemoryStore) GetRevenue(_ context.Context, challengeID string) (*RevenueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.revenue[challengeID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}
