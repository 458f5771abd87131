package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synthfi/synth-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) UpsertPool(ctx context.Context, state *model.PoolState) error {
	if err := s.primary.UpsertPool(ctx, state); err != nil {
		return err
	}
	s.cachePool(ctx, state)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, pos *model.SyntheticPosition) error {
	if err := s.primary.UpsertPosition(ctx, pos); err != nil {
		return err
	}
	s.cachePosition(ctx, pos)
	return nil
}

func (s *CachedStore) InsertOperation(ctx context.Context, entry *model.OperationEntry) error {
	// Ledger rows are append-only and never cached individually;
	// nothing to invalidate.
	return s.primary.InsertOperation(ctx, entry)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.PoolState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, managerID, account string) (*model.SyntheticPosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(managerID, account)).Bytes()
	if err == nil {
		var p model.SyntheticPosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, managerID, account)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, managerID string) ([]model.SyntheticPosition, error) {
	return s.primary.ListPositions(ctx, managerID)
}

func (s *CachedStore) GetOperationsByAccount(ctx context.Context, account string) ([]model.OperationEntry, error) {
	return s.primary.GetOperationsByAccount(ctx, account)
}

func (s *CachedStore) GetOperationsByRef(ctx context.Context, ref string) ([]model.OperationEntry, error) {
	return s.primary.GetOperationsByRef(ctx, ref)
}

// --- Cache helpers ---

func (s *CachedStore) cachePool(ctx context.Context, p *model.PoolState) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePosition(ctx context.Context, p *model.SyntheticPosition) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ManagerID, p.Account), data, s.ttl)
	}
}

func poolKey(id string) string { return fmt.Sprintf("pool:%s", id) }

func positionKey(managerID, account string) string {
	return fmt.Sprintf("position:%s:%s", managerID, account)
}
