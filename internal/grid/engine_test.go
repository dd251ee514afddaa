package grid_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/grid"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/simulator"
	"github.com/atmx/paper-engine/internal/slippage"
	"github.com/atmx/paper-engine/internal/store"
)

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu    sync.Mutex
	grids []model.Grid
}

func (r *recorder) PublishGrid(g model.Grid) {
	r.mu.Lock()
	r.grids = append(r.grids, g)
	r.mu.Unlock()
}

type testEnv struct {
	engine *grid.Engine
	sim    *simulator.Simulator
	store  *store.MemoryStore
	prices *market.PriceBook
	events *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sm, err := slippage.NewModel(slippage.DefaultConfig(), slippage.FixedSource(0.5))
	if err != nil {
		t.Fatalf("slippage model: %v", err)
	}
	ms := store.NewMemoryStore()
	prices := market.NewPriceBook()
	sim := simulator.New(ms, ledger.New(ms, "USDT", dec(10000)), fees.NewDefaultModel(), sm, prices)
	events := &recorder{}
	return &testEnv{
		engine: grid.NewEngine(ms, sim, prices, events),
		sim:    sim,
		store:  ms,
		prices: prices,
		events: events,
	}
}

func pairParams() grid.Params {
	return grid.Params{
		Symbol:     "BTC/USDT",
		Exchange:   "binance",
		BasePrice:  dec(50000),
		Spacing:    dec(1000),
		BuyLevels:  1,
		SellLevels: 1,
		Quantity:   dec(0.1),
	}
}

func TestGrid_BuySellPairProfit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, err := env.engine.Create(ctx, "acct1", pairParams())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if g.Status != model.GridActive || len(g.Levels) != 2 {
		t.Fatalf("unexpected grid: status %s, %d levels", g.Status, len(g.Levels))
	}

	g, err = env.engine.Tick(ctx, g.ID, dec(48900))
	if err != nil {
		t.Fatalf("tick 48900: %v", err)
	}
	if !g.Levels[0].Filled || g.Levels[1].Filled {
		t.Fatalf("expected only the buy level filled, got %+v", g.Levels)
	}
	if !g.InventoryQty.Equal(dec(0.1)) {
		t.Errorf("expected inventory 0.1, got %s", g.InventoryQty)
	}

	g, err = env.engine.Tick(ctx, g.ID, dec(51100))
	if err != nil {
		t.Fatalf("tick 51100: %v", err)
	}
	if !g.Levels[1].Filled {
		t.Fatal("expected sell level filled")
	}

	// (51000 − 49000) × 0.1 − (4.41 + 4.59)
	if !g.RealizedProfit.Equal(dec(191)) {
		t.Errorf("expected realized profit 191, got %s", g.RealizedProfit)
	}

	closed, err := env.engine.Close(ctx, g.ID, "done")
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.Status != model.GridClosed || !closed.TotalProfit.Equal(dec(191)) {
		t.Errorf("expected CLOSED with total 191, got %s / %s", closed.Status, closed.TotalProfit)
	}

	b, _ := env.sim.Ledger().Balance(ctx, "acct1")
	if !b.Total.Equal(dec(10191)) {
		t.Errorf("expected account total 10191, got %s", b.Total)
	}

	fills, _ := env.store.ListFills(ctx, "acct1")
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	for _, f := range fills {
		if f.GridID != g.ID {
			t.Errorf("fill %s not tagged with grid", f.ID)
		}
	}
	if g.Levels[0].FillID != fills[0].ID || g.Levels[1].FillID != fills[1].ID {
		t.Error("levels not linked to their fills")
	}
}

func TestGrid_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, _ := env.engine.Create(ctx, "acct1", pairParams())
	env.engine.Tick(ctx, g.ID, dec(48900))
	env.prices.Update("BTC/USDT", dec(49500))

	first, err := env.engine.Close(ctx, g.ID, "manual")
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	// Price moves after close; total must not change.
	env.prices.Update("BTC/USDT", dec(60000))
	second, err := env.engine.Close(ctx, g.ID, "retry")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}

	// −4.41 fee + (49500 − 49000) × 0.1 unrealized
	if !first.TotalProfit.Equal(dec(45.59)) {
		t.Errorf("expected total 45.59, got %s", first.TotalProfit)
	}
	if !second.TotalProfit.Equal(first.TotalProfit) || second.Status != model.GridClosed {
		t.Errorf("second close changed result: %s / %s", second.TotalProfit, second.Status)
	}
	if second.StatusReason != "manual" {
		t.Errorf("expected original reason kept, got %q", second.StatusReason)
	}
}

func TestGrid_LevelsFillInAscendingOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	params := grid.Params{
		Symbol: "BTC/USDT", Exchange: "binance", BasePrice: dec(50000), Quantity: dec(0.01),
		Levels: []grid.LevelParams{
			{Price: dec(49000), Side: model.SideBuy},
			{Price: dec(47000), Side: model.SideBuy},
			{Price: dec(48000), Side: model.SideBuy},
		},
	}
	g, err := env.engine.Create(ctx, "acct1", params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.Tick(ctx, g.ID, dec(46000)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	fills, _ := env.store.ListFills(ctx, "acct1")
	want := []float64{47000, 48000, 49000}
	if len(fills) != len(want) {
		t.Fatalf("expected %d fills, got %d", len(want), len(fills))
	}
	for i, w := range want {
		if !fills[i].ExecutedPrice.Equal(dec(w)) {
			t.Errorf("fill %d: expected %v, got %s", i, w, fills[i].ExecutedPrice)
		}
	}
}

func TestGrid_InsufficientFundsSkipsLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	params := grid.Params{
		Symbol: "BTC/USDT", Exchange: "binance", BasePrice: dec(50000), Quantity: dec(0.1),
		Levels: []grid.LevelParams{
			{Price: dec(49000), Side: model.SideBuy},
			{Price: dec(48000), Side: model.SideBuy},
			{Price: dec(47000), Side: model.SideBuy},
		},
	}
	g, _ := env.engine.Create(ctx, "acct1", params)

	g, err := env.engine.Tick(ctx, g.ID, dec(46000))
	if err != nil {
		t.Fatalf("tick should not fail on insufficient funds: %v", err)
	}
	if g.Status != model.GridActive {
		t.Errorf("expected grid to stay ACTIVE, got %s", g.Status)
	}
	if !g.Levels[0].Filled || !g.Levels[1].Filled || g.Levels[2].Filled {
		t.Errorf("expected 47000 and 48000 filled, 49000 skipped: %+v", g.Levels)
	}
}

func TestGrid_SellWithoutInventorySkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, _ := env.engine.Create(ctx, "acct1", pairParams())
	g, err := env.engine.Tick(ctx, g.ID, dec(51500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Levels[1].Filled || g.Status != model.GridActive {
		t.Errorf("sell level should be skipped, got filled=%v status=%s", g.Levels[1].Filled, g.Status)
	}
	if !g.LastPrice.Equal(dec(51500)) {
		t.Errorf("expected last price 51500, got %s", g.LastPrice)
	}
}

func TestGrid_CommitFailureMovesToError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, _ := env.engine.Create(ctx, "acct1", pairParams())
	env.store.FailNextCommit(errors.New("db down"))

	g, err := env.engine.Tick(ctx, g.ID, dec(48900))
	if err == nil {
		t.Fatal("expected error")
	}
	if g.Status != model.GridError || g.Levels[0].Filled {
		t.Errorf("expected ERROR with level unfilled, got %s filled=%v", g.Status, g.Levels[0].Filled)
	}
	stored, _ := env.store.GetGrid(ctx, g.ID)
	if stored.Status != model.GridError {
		t.Errorf("ERROR status not persisted: %s", stored.Status)
	}
	b, _ := env.sim.Ledger().Balance(ctx, "acct1")
	if !b.Total.Equal(dec(10000)) {
		t.Errorf("balance changed: %s", b.Total)
	}

	// ERROR grids ignore further ticks.
	again, err := env.engine.Tick(ctx, g.ID, dec(48000))
	if err != nil || again.Levels[0].Filled {
		t.Errorf("ERROR grid should not trade, err=%v", err)
	}
}

func TestGrid_InvalidParamsStoredAsError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	params := pairParams()
	params.Spacing = decimal.Zero
	g, err := env.engine.Create(ctx, "acct1", params)
	if !errors.Is(err, grid.ErrGridInitialization) {
		t.Fatalf("expected ErrGridInitialization, got %v", err)
	}
	if g == nil || g.Status != model.GridError || g.StatusReason == "" {
		t.Fatalf("expected ERROR grid with reason, got %+v", g)
	}
	stored, err := env.store.GetGrid(ctx, g.ID)
	if err != nil || stored.Status != model.GridError {
		t.Errorf("ERROR grid not stored: %v", err)
	}
}

func TestGrid_PauseResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, _ := env.engine.Create(ctx, "acct1", pairParams())
	if _, err := env.engine.Pause(ctx, g.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := env.engine.Tick(ctx, g.ID, dec(48900))
	if paused.Levels[0].Filled {
		t.Error("paused grid must not fill")
	}

	if _, err := env.engine.Resume(ctx, g.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, _ := env.engine.Tick(ctx, g.ID, dec(48900))
	if !resumed.Levels[0].Filled {
		t.Error("resumed grid should fill")
	}

	env.engine.Close(ctx, g.ID, "")
	if _, err := env.engine.Resume(ctx, g.ID); !errors.Is(err, grid.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming a closed grid, got %v", err)
	}
	if _, err := env.engine.Pause(ctx, g.ID); !errors.Is(err, grid.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition pausing a closed grid, got %v", err)
	}
}

func TestGrid_TickSymbolAcrossAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for _, acct := range []string{"a", "b", "c"} {
		g, err := env.engine.Create(ctx, acct, pairParams())
		if err != nil {
			t.Fatalf("create %s: %v", acct, err)
		}
		ids = append(ids, g.ID)
	}

	if err := env.engine.TickSymbol(ctx, "btcusdt", dec(48900)); err != nil {
		t.Fatalf("tick symbol: %v", err)
	}
	for _, id := range ids {
		g, _ := env.store.GetGrid(ctx, id)
		if !g.Levels[0].Filled {
			t.Errorf("grid %s buy level not filled", id)
		}
	}
	mark, err := env.prices.LatestMarkPrice("BTC/USDT")
	if err != nil || !mark.Equal(dec(48900)) {
		t.Errorf("expected mark 48900, got %s (%v)", mark, err)
	}
}

type countingPrices struct {
	*market.PriceBook
	mu      sync.Mutex
	updates int
}

func (c *countingPrices) Update(symbol string, price decimal.Decimal) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.PriceBook.Update(symbol, price)
}

func (c *countingPrices) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func TestGrid_TickSymbolRecordsPriceOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	counted := &countingPrices{PriceBook: env.prices}
	engine := grid.NewEngine(env.store, env.sim, counted, env.events)

	var ids []string
	for _, acct := range []string{"a", "b", "a"} {
		g, err := engine.Create(ctx, acct, pairParams())
		if err != nil {
			t.Fatalf("create %s: %v", acct, err)
		}
		ids = append(ids, g.ID)
	}
	before := counted.count()

	if err := engine.TickSymbol(ctx, "BTC/USDT", dec(49500)); err != nil {
		t.Fatalf("tick symbol: %v", err)
	}
	if got := counted.count() - before; got != 1 {
		t.Errorf("expected one price book write per symbol tick, got %d", got)
	}

	if _, err := engine.Tick(ctx, ids[0], dec(49400)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := counted.count() - before; got != 2 {
		t.Errorf("expected a direct tick to record its price, got %d writes", got)
	}
	mark, _ := env.prices.LatestMarkPrice("BTC/USDT")
	if !mark.Equal(dec(49400)) {
		t.Errorf("expected mark 49400, got %s", mark)
	}
}

func TestGrid_TickRejectsBadPrice(t *testing.T) {
	env := newTestEnv(t)
	g, _ := env.engine.Create(context.Background(), "acct1", pairParams())
	if _, err := env.engine.Tick(context.Background(), g.ID, decimal.Zero); !errors.Is(err, grid.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestGrid_PublishesEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, _ := env.engine.Create(ctx, "acct1", pairParams())
	env.engine.Tick(ctx, g.ID, dec(48900))
	env.engine.Close(ctx, g.ID, "")

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	if len(env.events.grids) != 3 {
		t.Fatalf("expected create, fill and close events, got %d", len(env.events.grids))
	}
	if env.events.grids[2].Status != model.GridClosed {
		t.Errorf("last event should be CLOSED, got %s", env.events.grids[2].Status)
	}
}
