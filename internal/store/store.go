// Package store defines the persistence interface for the paper engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/paper-engine/internal/model"
)

// Commit is the durable effect of one simulated fill: the fill itself, the
// account balance after it, and optionally the grid whose level it filled.
// Stores apply a Commit atomically: all of it or none of it.
type Commit struct {
	Fill    model.Fill
	Balance model.Balance
	Grid    *model.Grid
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Balances ---

	// GetBalance returns the balance of an account, or an error wrapping
	// model.ErrNotFound.
	GetBalance(ctx context.Context, accountID string) (*model.Balance, error)

	// SaveBalance upserts a balance snapshot.
	SaveBalance(ctx context.Context, b *model.Balance) error

	// ListAccounts returns all account IDs with a balance.
	ListAccounts(ctx context.Context) ([]string, error)

	// --- Immutable fill history ---

	// Commit appends a fill and stores the balance (and grid) that result
	// from it, atomically.
	Commit(ctx context.Context, c *Commit) error

	// ListFills returns the fill history of an account in commit order.
	ListFills(ctx context.Context, accountID string) ([]model.Fill, error)

	// --- Grids ---

	// SaveGrid upserts a grid definition and its level state.
	SaveGrid(ctx context.Context, g *model.Grid) error

	// GetGrid retrieves a grid by ID, or an error wrapping model.ErrNotFound.
	GetGrid(ctx context.Context, id string) (*model.Grid, error)

	// ListGrids returns all grids of an account.
	ListGrids(ctx context.Context, accountID string) ([]model.Grid, error)

	// ListActiveGrids returns ACTIVE grids trading symbol.
	ListActiveGrids(ctx context.Context, symbol string) ([]model.Grid, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
