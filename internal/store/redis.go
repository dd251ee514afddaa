package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances and grids. Writes go to the primary store and then
// invalidate the cache; reads check Redis first then fall back to the
// primary. Fill history is never cached.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveBalance(ctx context.Context, b *model.Balance) error {
	if err := s.primary.SaveBalance(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(b.AccountID))
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, c *Commit) error {
	if err := s.primary.Commit(ctx, c); err != nil {
		return err
	}
	keys := []string{balanceKey(c.Balance.AccountID)}
	if c.Grid != nil {
		keys = append(keys, gridKey(c.Grid.ID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) SaveGrid(ctx context.Context, g *model.Grid) error {
	if err := s.primary.SaveGrid(ctx, g); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, gridKey(g.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(accountID)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, balanceKey(accountID), b)
	return b, nil
}

func (s *CachedStore) GetGrid(ctx context.Context, id string) (*model.Grid, error) {
	data, err := s.rdb.Get(ctx, gridKey(id)).Bytes()
	if err == nil {
		var g model.Grid
		if json.Unmarshal(data, &g) == nil {
			return &g, nil
		}
	}

	g, err := s.primary.GetGrid(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, gridKey(id), g)
	return g, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListFills(ctx context.Context, accountID string) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, accountID)
}

func (s *CachedStore) ListGrids(ctx context.Context, accountID string) ([]model.Grid, error) {
	return s.primary.ListGrids(ctx, accountID)
}

func (s *CachedStore) ListActiveGrids(ctx context.Context, symbol string) ([]model.Grid, error) {
	return s.primary.ListActiveGrids(ctx, symbol)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func balanceKey(id string) string { return fmt.Sprintf("paper:balance:%s", id) }
func gridKey(id string) string    { return fmt.Sprintf("paper:grid:%s", id) }
