// Package store defines the persistence interface for the synth engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/synthfi/synth-engine/internal/model"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool snapshots ---

	// UpsertPool persists a pool snapshot, replacing any prior state.
	UpsertPool(ctx context.Context, state *model.PoolState) error

	// GetPool retrieves the latest snapshot for a pool.
	GetPool(ctx context.Context, id string) (*model.PoolState, error)

	// ListPools returns the latest snapshot of every pool.
	ListPools(ctx context.Context) ([]model.PoolState, error)

	// --- Synthetic positions ---

	// UpsertPosition persists an account's position in a manager.
	// Positions are zeroed, not deleted.
	UpsertPosition(ctx context.Context, pos *model.SyntheticPosition) error

	// GetPosition retrieves an account's position in a manager.
	GetPosition(ctx context.Context, managerID, account string) (*model.SyntheticPosition, error)

	// ListPositions returns all positions held against a manager.
	ListPositions(ctx context.Context, managerID string) ([]model.SyntheticPosition, error)

	// --- Immutable operation ledger ---

	// InsertOperation appends an immutable operation record.
	InsertOperation(ctx context.Context, entry *model.OperationEntry) error

	// GetOperationsByAccount returns all operations for an account.
	GetOperationsByAccount(ctx context.Context, account string) ([]model.OperationEntry, error)

	// GetOperationsByRef returns all operations against a pool or manager.
	GetOperationsByRef(ctx context.Context, ref string) ([]model.OperationEntry, error)
}
