// Package grid runs static ladder strategies on top of the order simulator.
//
// A grid is a fixed set of price levels on one symbol. Each price tick fills
// every unfilled level the price has crossed, lowest price first, and each
// level's flag commits in the same transaction as its fill.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/keylock"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/simulator"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/symbol"
)

var (
	// ErrGridInitialization is returned when a grid cannot be built from its
	// parameters. The grid is stored with status ERROR.
	ErrGridInitialization = errors.New("grid: initialization failed")

	// ErrInvalidTransition is returned for lifecycle changes the current
	// status does not allow.
	ErrInvalidTransition = errors.New("grid: invalid status transition")

	// ErrInvalidPrice is returned for non-positive ticks.
	ErrInvalidPrice = errors.New("grid: price must be positive")
)

// Executor fills orders for grids.
type Executor interface {
	SimulateForGrid(ctx context.Context, accountID, gridID string, req model.OrderRequest, hook simulator.Hook) (*model.Fill, error)
}

// Prices is the market data the engine reads and feeds.
type Prices interface {
	Update(symbol string, price decimal.Decimal) error
	LatestMarkPrice(symbol string) (decimal.Decimal, error)
}

// Publisher receives grid state after every change.
type Publisher interface {
	PublishGrid(g model.Grid)
}

// Engine manages grid lifecycles and tick processing.
type Engine struct {
	store     store.Store
	exec      Executor
	prices    Prices
	publisher Publisher
	locks     keylock.Map
	now       func() time.Time
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(st store.Store, exec Executor, prices Prices, publisher Publisher) *Engine {
	return &Engine{
		store:     st,
		exec:      exec,
		prices:    prices,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create builds and stores a grid. If params are invalid the grid is still
// stored, with status ERROR, and returned together with an error wrapping
// ErrGridInitialization.
func (e *Engine) Create(ctx context.Context, accountID string, params Params) (*model.Grid, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account is required", ErrGridInitialization)
	}

	now := e.now()
	sym, err := symbol.Normalize(params.Symbol)
	if err != nil {
		sym = params.Symbol
	}
	mode := params.Mode
	if mode == "" && len(params.Levels) == 0 {
		mode = model.GridArithmetic
	}
	g := &model.Grid{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Symbol:         sym,
		Exchange:       params.Exchange,
		Strategy:       params.Strategy,
		BasePrice:      params.BasePrice,
		Spacing:        params.Spacing,
		Mode:           mode,
		Status:         model.GridActive,
		RealizedProfit: decimal.Zero,
		TotalProfit:    decimal.Zero,
		InventoryQty:   decimal.Zero,
		InventoryCost:  decimal.Zero,
		LastPrice:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if g.Strategy == "" {
		g.Strategy = "static"
	}

	levels, buildErr := params.Build()
	if buildErr != nil {
		g.Status = model.GridError
		g.StatusReason = buildErr.Error()
		g.Levels = []model.GridLevel{}
		if err := e.store.SaveGrid(ctx, g); err != nil {
			return nil, fmt.Errorf("save failed grid: %w", err)
		}
		slog.Error("grid initialization failed",
			"grid", g.ID,
			"account", accountID,
			"symbol", params.Symbol,
			"err", buildErr,
		)
		e.publish(g)
		return g, fmt.Errorf("%w: %v", ErrGridInitialization, buildErr)
	}

	g.Levels = levels
	if err := e.store.SaveGrid(ctx, g); err != nil {
		return nil, fmt.Errorf("save grid: %w", err)
	}
	metrics.ActiveGrids.Inc()

	slog.Info("grid created",
		"grid", g.ID,
		"account", accountID,
		"symbol", g.Symbol,
		"mode", g.Mode,
		"levels", len(g.Levels),
		"base_price", g.BasePrice.String(),
	)
	e.publish(g)
	return g, nil
}

// Get returns a grid by ID.
func (e *Engine) Get(ctx context.Context, id string) (*model.Grid, error) {
	return e.store.GetGrid(ctx, id)
}

// List returns the grids of an account.
func (e *Engine) List(ctx context.Context, accountID string) ([]model.Grid, error) {
	return e.store.ListGrids(ctx, accountID)
}

// Tick feeds price into one grid. It fills every crossed, unfilled level in
// ascending price order. Levels rejected for lack of funds, position or
// exposure room stay unfilled. Any other failure moves the grid to ERROR and
// is returned.
func (e *Engine) Tick(ctx context.Context, id string, price decimal.Decimal) (*model.Grid, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	return e.tick(ctx, id, price, true)
}

// tick runs one grid against price. record is false when the caller has
// already written price to the book.
func (e *Engine) tick(ctx context.Context, id string, price decimal.Decimal, record bool) (*model.Grid, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	g, err := e.store.GetGrid(ctx, id)
	if err != nil {
		return nil, err
	}
	if record {
		if err := e.prices.Update(g.Symbol, price); err != nil {
			return nil, err
		}
	}
	if g.Status != model.GridActive {
		return g, nil
	}

	g.LastPrice = price
	g.UpdatedAt = e.now()

	filled := 0
	for i := range g.Levels {
		level := g.Levels[i]
		if level.Filled || !crossed(level, price) {
			continue
		}

		next, err := e.fillLevel(ctx, g, i)
		if err != nil {
			if skippable(err) {
				metrics.GridLevelSkips.WithLabelValues(simulator.Reason(err)).Inc()
				slog.Warn("grid level skipped",
					"grid", g.ID,
					"account", g.AccountID,
					"level", level.Index,
					"side", level.Side,
					"price", level.Price.String(),
					"err", err,
				)
				continue
			}
			return e.fail(ctx, g, fmt.Errorf("fill level %d: %w", level.Index, err))
		}

		g = next
		filled++
		metrics.GridLevelFills.WithLabelValues(string(level.Side)).Inc()
	}

	if filled == 0 {
		if err := e.store.SaveGrid(ctx, g); err != nil {
			return nil, fmt.Errorf("save grid %s: %w", g.ID, err)
		}
		return g, nil
	}

	slog.Info("grid ticked",
		"grid", g.ID,
		"price", price.String(),
		"filled", filled,
		"realized_profit", g.RealizedProfit.String(),
	)
	e.publish(g)
	return g, nil
}

// fillLevel executes level i of g. The returned grid is what was committed
// alongside the fill.
func (e *Engine) fillLevel(ctx context.Context, g *model.Grid, i int) (*model.Grid, error) {
	level := g.Levels[i]
	req := model.OrderRequest{
		Type:     model.OrderLimit,
		Symbol:   g.Symbol,
		Side:     level.Side,
		Quantity: level.Quantity,
		Price:    level.Price,
		Exchange: g.Exchange,
	}

	var next *model.Grid
	_, err := e.exec.SimulateForGrid(ctx, g.AccountID, g.ID, req, func(f model.Fill) (*model.Grid, error) {
		next = g.Clone()
		applyFill(next, i, f)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// applyFill marks level i filled and books the fill into the grid's
// inventory and realized profit.
func applyFill(g *model.Grid, i int, f model.Fill) {
	ts := f.Timestamp
	g.Levels[i].Filled = true
	g.Levels[i].FillID = f.ID
	g.Levels[i].FilledAt = &ts

	change := position.Apply(inventory(g), f.Side, f.Quantity, f.ExecutedPrice)
	g.InventoryQty = change.Position.Size
	g.InventoryCost = change.Position.CostBasis
	g.RealizedProfit = g.RealizedProfit.Add(change.Realized).Sub(f.FeeAmount)
	g.UpdatedAt = f.Timestamp
}

func inventory(g *model.Grid) model.Position {
	return model.Position{
		AccountID:  g.AccountID,
		Symbol:     g.Symbol,
		Size:       g.InventoryQty,
		EntryPrice: g.AverageCost(),
		CostBasis:  g.InventoryCost,
	}
}

// crossed reports whether price has reached the level from the side that
// triggers it: at or below for buys, at or above for sells.
func crossed(l model.GridLevel, price decimal.Decimal) bool {
	if l.Side == model.SideBuy {
		return price.LessThanOrEqual(l.Price)
	}
	return price.GreaterThanOrEqual(l.Price)
}

func skippable(err error) bool {
	return errors.Is(err, simulator.ErrInsufficientFunds) ||
		errors.Is(err, simulator.ErrInsufficientPosition) ||
		errors.Is(err, simulator.ErrPositionLimit)
}

// fail moves g to ERROR and returns cause.
func (e *Engine) fail(ctx context.Context, g *model.Grid, cause error) (*model.Grid, error) {
	g.Status = model.GridError
	g.StatusReason = cause.Error()
	g.UpdatedAt = e.now()
	metrics.ActiveGrids.Dec()

	slog.Error("grid failed",
		"grid", g.ID,
		"account", g.AccountID,
		"symbol", g.Symbol,
		"err", cause,
	)
	if err := e.store.SaveGrid(ctx, g); err != nil {
		return g, errors.Join(cause, fmt.Errorf("save failed grid: %w", err))
	}
	e.publish(g)
	return g, cause
}

// TickSymbol records price in the book once, then feeds it into every
// active grid on symbol. Grids of different accounts run concurrently; grids
// of one account run in order.
func (e *Engine) TickSymbol(ctx context.Context, sym string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return err
	}
	if err := e.prices.Update(norm, price); err != nil {
		return err
	}

	grids, err := e.store.ListActiveGrids(ctx, norm)
	if err != nil {
		return fmt.Errorf("list active grids %s: %w", norm, err)
	}

	byAccount := make(map[string][]string)
	var order []string
	for _, g := range grids {
		if _, ok := byAccount[g.AccountID]; !ok {
			order = append(order, g.AccountID)
		}
		byAccount[g.AccountID] = append(byAccount[g.AccountID], g.ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, account := range order {
		ids := byAccount[account]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if _, err := e.tick(ctx, id, price, false); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("grid %s: %w", id, err))
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Pause stops an ACTIVE grid from reacting to ticks.
func (e *Engine) Pause(ctx context.Context, id string) (*model.Grid, error) {
	return e.transition(ctx, id, model.GridActive, model.GridPaused)
}

// Resume reactivates a PAUSED grid.
func (e *Engine) Resume(ctx context.Context, id string) (*model.Grid, error) {
	return e.transition(ctx, id, model.GridPaused, model.GridActive)
}

func (e *Engine) transition(ctx context.Context, id string, from, to model.GridStatus) (*model.Grid, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	g, err := e.store.GetGrid(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Terminal() {
		return g, fmt.Errorf("%w: grid %s is %s", ErrInvalidTransition, id, g.Status)
	}
	if g.Status == to {
		return g, nil
	}
	if g.Status != from {
		return g, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, to)
	}

	g.Status = to
	g.StatusReason = ""
	g.UpdatedAt = e.now()
	if err := e.store.SaveGrid(ctx, g); err != nil {
		return nil, fmt.Errorf("save grid %s: %w", id, err)
	}
	if to == model.GridActive {
		metrics.ActiveGrids.Inc()
	} else {
		metrics.ActiveGrids.Dec()
	}

	slog.Info("grid status changed", "grid", id, "from", from, "to", to)
	e.publish(g)
	return g, nil
}

// Close values the grid's remaining inventory at the latest mark, records
// TotalProfit and moves the grid to CLOSED. Closing a CLOSED grid returns it
// unchanged.
func (e *Engine) Close(ctx context.Context, id, reason string) (*model.Grid, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	g, err := e.store.GetGrid(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Terminal() {
		return g, nil
	}
	wasActive := g.Status == model.GridActive

	mark, err := e.prices.LatestMarkPrice(g.Symbol)
	if err != nil {
		mark = g.LastPrice
	}
	if !mark.IsPositive() {
		mark = g.AverageCost()
	}
	unrealized := position.Unrealized(inventory(g), mark)

	now := e.now()
	g.TotalProfit = g.RealizedProfit.Add(unrealized)
	g.Status = model.GridClosed
	g.StatusReason = reason
	g.UpdatedAt = now
	g.ClosedAt = &now
	if err := e.store.SaveGrid(ctx, g); err != nil {
		return nil, fmt.Errorf("save grid %s: %w", id, err)
	}
	if wasActive {
		metrics.ActiveGrids.Dec()
	}

	slog.Info("grid closed",
		"grid", id,
		"reason", reason,
		"realized_profit", g.RealizedProfit.String(),
		"unrealized", unrealized.String(),
		"total_profit", g.TotalProfit.String(),
	)
	e.publish(g)
	return g, nil
}

// SyncMetrics sets the active grid gauge from storage. Called at startup.
func (e *Engine) SyncMetrics(ctx context.Context) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, a := range accounts {
		grids, err := e.store.ListGrids(ctx, a)
		if err != nil {
			return err
		}
		for _, g := range grids {
			if g.Status == model.GridActive {
				active++
			}
		}
	}
	metrics.ActiveGrids.Set(float64(active))
	return nil
}

func (e *Engine) publish(g *model.Grid) {
	if e.publisher != nil {
		e.publisher.PublishGrid(*g.Clone())
	}
}
