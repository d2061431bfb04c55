package stakes

import (
	"context"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation for tests and local dev.
type MemoryStore struct {
	stakes      map[string]*Stake
	byChallenge map[string]string
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory stakes store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stakes:      make(map[string]*Stake),
		byChallenge: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, stake *Stake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byChallenge[stake.ChallengeID]; ok {
		return ErrDuplicateChallenge
	}
	cp := *stake
	m.stakes[stake.ID] = &cp
	m.byChallenge[stake.ChallengeID] = stake.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Stake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stakes[id]
	if !ok {
		return nil, ErrStakeNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByChallenge(_ context.Context, challengeID string) (*Stake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byChallenge[challengeID]
	if !ok {
		return nil, ErrStakeNotFound
	}
	cp := *m.stakes[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateTerms(_ context.Context, stake *Stake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stakes[stake.ID]
	if !ok {
		return ErrStakeNotFound
	}
	if cur.Status != StatusOpen {
		return ErrStakeImmutable
	}
	cur.AmountCents = stake.AmountCents
	cur.PlatformFeePercent = stake.PlatformFeePercent
	cur.TargetCompletions = stake.TargetCompletions
	cur.Currency = stake.Currency
	cur.UpdatedAt = stake.UpdatedAt
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stakes[id]
	if !ok {
		return false, ErrStakeNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = to
	cur.UpdatedAt = at
	return true, nil
}
