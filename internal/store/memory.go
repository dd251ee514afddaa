package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]model.Balance
	fills    map[string][]model.Fill
	grids    map[string]*model.Grid

	// failCommit, when set, makes the next Commit fail. Tests only.
	failCommit error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]model.Balance),
		fills:    make(map[string][]model.Fill),
		grids:    make(map[string]*model.Grid),
	}
}

// FailNextCommit makes the next Commit return err without applying anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", accountID, model.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) SaveBalance(_ context.Context, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[b.AccountID] = *b
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Commit applies the fill, balance and grid under one write lock.
func (s *MemoryStore) Commit(_ context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommit != nil {
		err := s.failCommit
		s.failCommit = nil
		return err
	}

	s.fills[c.Fill.AccountID] = append(s.fills[c.Fill.AccountID], c.Fill)
	s.balances[c.Balance.AccountID] = c.Balance
	if c.Grid != nil {
		s.grids[c.Grid.ID] = c.Grid.Clone()
	}
	return nil
}

func (s *MemoryStore) ListFills(_ context.Context, accountID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.fills[accountID]
	result := make([]model.Fill, len(src))
	copy(result, src)
	return result, nil
}

func (s *MemoryStore) SaveGrid(_ context.Context, g *model.Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.grids[g.ID] = g.Clone()
	return nil
}

func (s *MemoryStore) GetGrid(_ context.Context, id string) (*model.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grids[id]
	if !ok {
		return nil, fmt.Errorf("grid %s: %w", id, model.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) ListGrids(_ context.Context, accountID string) ([]model.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Grid
	for _, g := range s.grids {
		if g.AccountID == accountID {
			result = append(result, *g.Clone())
		}
	}
	sortGrids(result)
	return result, nil
}

func (s *MemoryStore) ListActiveGrids(_ context.Context, symbol string) ([]model.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Grid
	for _, g := range s.grids {
		if g.Symbol == symbol && g.Status == model.GridActive {
			result = append(result, *g.Clone())
		}
	}
	sortGrids(result)
	return result, nil
}

func sortGrids(gs []model.Grid) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].CreatedAt.Before(gs[j].CreatedAt)
	})
}
