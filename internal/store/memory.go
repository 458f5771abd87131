package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.PoolState
	positions map[string]*model.SyntheticPosition // managerID + "/" + account
	ledger    []model.OperationEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]*model.PoolState),
		positions: make(map[string]*model.SyntheticPosition),
	}
}

func posKey(managerID, account string) string {
	return managerID + "/" + account
}

func (s *MemoryStore) UpsertPool(_ context.Context, state *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *state
	s.pools[state.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.PoolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	return pools, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.SyntheticPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pos
	cp.RawCollateral = copyCollateral(pos.RawCollateral)
	s.positions[posKey(pos.ManagerID, pos.Account)] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, managerID, account string) (*model.SyntheticPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(managerID, account)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s in %s", ErrNotFound, account, managerID)
	}
	cp := *p
	cp.RawCollateral = copyCollateral(p.RawCollateral)
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, managerID string) ([]model.SyntheticPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SyntheticPosition
	for _, p := range s.positions {
		if p.ManagerID == managerID {
			cp := *p
			cp.RawCollateral = copyCollateral(p.RawCollateral)
			result = append(result, cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertOperation(_ context.Context, entry *model.OperationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetOperationsByAccount(_ context.Context, account string) ([]model.OperationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OperationEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOperationsByRef(_ context.Context, ref string) ([]model.OperationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OperationEntry
	for _, e := range s.ledger {
		if e.Ref == ref {
			result = append(result, e)
		}
	}
	return result, nil
}

func copyCollateral(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	cp := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
