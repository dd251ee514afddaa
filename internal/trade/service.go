// Package trade exposes the paper engine to callers: a Go API over the
// simulator and grid engine, plus the HTTP handlers that serve it.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/grid"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/simulator"
	"github.com/atmx/paper-engine/internal/symbol"
)

// Service is the entry point for order simulation, portfolio queries and
// grid management.
type Service struct {
	sim    *simulator.Simulator
	grids  *grid.Engine
	prices *market.PriceBook
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(sim *simulator.Simulator, grids *grid.Engine, prices *market.PriceBook, hub *WSHub) *Service {
	return &Service{
		sim:    sim,
		grids:  grids,
		prices: prices,
		wsHub:  hub,
	}
}

// SimulateOrder executes a paper order for accountID.
func (s *Service) SimulateOrder(ctx context.Context, accountID string, req model.OrderRequest) (*model.Fill, error) {
	return s.sim.Simulate(ctx, accountID, req)
}

// GetPortfolio returns balance, positions and performance for accountID.
func (s *Service) GetPortfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	return s.sim.Portfolio(ctx, accountID)
}

// ListFills returns the fill history of accountID.
func (s *Service) ListFills(ctx context.Context, accountID string) ([]model.Fill, error) {
	return s.sim.Fills(ctx, accountID)
}

// ResetAccount restores the balance of accountID. A zero amount means the
// configured starting balance.
func (s *Service) ResetAccount(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	return s.sim.Reset(ctx, accountID, amount)
}

// CreateGrid creates a grid for accountID.
func (s *Service) CreateGrid(ctx context.Context, accountID string, params grid.Params) (*model.Grid, error) {
	return s.grids.Create(ctx, accountID, params)
}

// GetGrid returns a grid by ID.
func (s *Service) GetGrid(ctx context.Context, id string) (*model.Grid, error) {
	return s.grids.Get(ctx, id)
}

// ListGrids returns the grids of accountID.
func (s *Service) ListGrids(ctx context.Context, accountID string) ([]model.Grid, error) {
	return s.grids.List(ctx, accountID)
}

// TickGrid feeds a price into one grid.
func (s *Service) TickGrid(ctx context.Context, id string, price decimal.Decimal) (*model.Grid, error) {
	return s.grids.Tick(ctx, id, price)
}

// CloseGrid closes a grid and returns it with its final TotalProfit.
func (s *Service) CloseGrid(ctx context.Context, id, reason string) (*model.Grid, error) {
	return s.grids.Close(ctx, id, reason)
}

// PauseGrid pauses an active grid.
func (s *Service) PauseGrid(ctx context.Context, id string) (*model.Grid, error) {
	return s.grids.Pause(ctx, id)
}

// ResumeGrid resumes a paused grid.
func (s *Service) ResumeGrid(ctx context.Context, id string) (*model.Grid, error) {
	return s.grids.Resume(ctx, id)
}

// UpdatePrice records a market price and runs every active grid on the
// symbol against it. The grid engine owns the price book write.
func (s *Service) UpdatePrice(ctx context.Context, sym string, price decimal.Decimal) error {
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s %s", grid.ErrInvalidPrice, norm, price)
	}
	if s.wsHub != nil {
		s.wsHub.PublishPrice(norm, price)
	}

	if err := s.grids.TickSymbol(ctx, norm, price); err != nil {
		slog.Error("grid tick failed", "symbol", norm, "price", price.String(), "err", err)
		return err
	}
	return nil
}

// Prices returns the latest known price of every symbol.
func (s *Service) Prices() []market.Quote {
	return s.prices.Snapshot()
}
