package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for tests and local development.
// It enforces the same uniqueness and version rules as PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	events  map[string]string // event id → type
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		events:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escrows {
		if existing.UserID == e.UserID && existing.StakeID == e.StakeID {
			return ErrDuplicateEscrow
		}
	}
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) GetByUserStake(ctx context.Context, userID, stakeID string) (*Escrow, error) {
	return m.find(func(e *Escrow) bool { return e.UserID == userID && e.StakeID == stakeID })
}

func (m *MemoryStore) GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error) {
	if holdRef == "" {
		return nil, ErrEscrowNotFound
	}
	return m.find(func(e *Escrow) bool { return e.ExternalHoldRef == holdRef })
}

func (m *MemoryStore) find(match func(*Escrow) bool) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if match(e) {
			return e.clone(), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != e.Version {
		return ErrConcurrencyConflict
	}
	e.Version++
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) ListByStake(ctx context.Context, stakeID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.StakeID == stakeID {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, updatedBefore, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsTerminal() || !e.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		result = append(result, e.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = eventType
	return true, nil
}

// Touch backdates an escrow's UpdatedAt. Tests use it to make rows stale.
func (m *MemoryStore) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[id]; ok {
		e.UpdatedAt = at
	}
}

var _ Store = (*MemoryStore)(nil)
