package simulator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/correlation"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/simulator"
	"github.com/atmx/paper-engine/internal/slippage"
	"github.com/atmx/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	sim    *simulator.Simulator
	store  *store.MemoryStore
	prices *market.PriceBook
}

// newTestEnv builds a simulator with zero slippage and the default fee table.
func newTestEnv(t *testing.T, opts ...simulator.Option) *testEnv {
	t.Helper()
	cfg := slippage.DefaultConfig()
	cfg.BasePercent = decimal.Zero
	sm, err := slippage.NewModel(cfg, slippage.FixedSource(0.5))
	if err != nil {
		t.Fatalf("slippage model: %v", err)
	}
	ms := store.NewMemoryStore()
	prices := market.NewPriceBook()
	l := ledger.New(ms, "USDT", d(10000))
	sim := simulator.New(ms, l, fees.NewDefaultModel(), sm, prices, opts...)
	return &testEnv{sim: sim, store: ms, prices: prices}
}

func order(side model.Side, qty, price float64) model.OrderRequest {
	return model.OrderRequest{
		Type:     model.OrderMarket,
		Symbol:   "BTC/USDT",
		Side:     side,
		Quantity: d(qty),
		Price:    d(price),
		Exchange: "binance",
	}
}

func balanceOf(t *testing.T, env *testEnv, account string) model.Balance {
	t.Helper()
	b, err := env.sim.Ledger().Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func sameBalance(a, b model.Balance) bool {
	return a.Total.Equal(b.Total) && a.Available.Equal(b.Available) && a.Locked.Equal(b.Locked) && a.UpdatedAt.Equal(b.UpdatedAt)
}

func TestSimulate_BuyThenSell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	buy, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !buy.ExecutedPrice.Equal(d(50000)) {
		t.Errorf("expected executed price 50000, got %s", buy.ExecutedPrice)
	}
	if !buy.FeeAmount.Equal(d(4.5)) {
		t.Errorf("expected fee 4.5, got %s", buy.FeeAmount)
	}
	if !buy.IsPaperTrade {
		t.Error("fill must be marked as paper trade")
	}
	b := balanceOf(t, env, "acct1")
	if !b.Available.Equal(d(4995.5)) || !b.Locked.IsZero() || !b.Total.Equal(d(4995.5)) {
		t.Errorf("after buy: total %s available %s locked %s", b.Total, b.Available, b.Locked)
	}

	sell, err := env.sim.Simulate(ctx, "acct1", order(model.SideSell, 0.05, 52000))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !sell.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", sell.RealizedPnL)
	}
	if !sell.FeeAmount.Equal(d(2.34)) {
		t.Errorf("expected fee 2.34, got %s", sell.FeeAmount)
	}
	b = balanceOf(t, env, "acct1")
	if !b.Available.Equal(d(7593.16)) {
		t.Errorf("expected available 7593.16, got %s", b.Available)
	}

	pos, err := env.sim.Position(ctx, "acct1", "btcusdt")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Size.Equal(d(0.05)) || !pos.EntryPrice.Equal(d(50000)) {
		t.Errorf("expected 0.05 @ 50000, got %s @ %s", pos.Size, pos.EntryPrice)
	}

	fills, _ := env.store.ListFills(ctx, "acct1")
	if len(fills) != 2 {
		t.Fatalf("expected 2 stored fills, got %d", len(fills))
	}
	if fills[0].ID != buy.ID || fills[1].ID != sell.ID {
		t.Error("fills not stored in execution order")
	}
}

func TestSimulate_MarketOrderUsesMarkPrice(t *testing.T) {
	env := newTestEnv(t)
	env.prices.Update("BTC/USDT", d(40000))

	fill, err := env.sim.Simulate(context.Background(), "acct1", order(model.SideBuy, 0.1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fill.RequestedPrice.Equal(d(40000)) || !fill.ExecutedPrice.Equal(d(40000)) {
		t.Errorf("expected fill at mark 40000, got requested %s executed %s", fill.RequestedPrice, fill.ExecutedPrice)
	}
}

func TestSimulate_MarketOrderWithoutPrice(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sim.Simulate(context.Background(), "acct1", order(model.SideBuy, 0.1, 0))
	if !errors.Is(err, simulator.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestSimulate_LimitOrderFillsAtLimitPrice(t *testing.T) {
	cfg := slippage.DefaultConfig()
	sm, _ := slippage.NewModel(cfg, slippage.FixedSource(1))
	ms := store.NewMemoryStore()
	sim := simulator.New(ms, ledger.New(ms, "USDT", d(10000)), fees.NewDefaultModel(), sm, nil)

	req := order(model.SideBuy, 0.01, 30000)
	req.Type = model.OrderLimit
	req.Conditions = model.MarketConditions{Volatility: d(0.5), Liquidity: d(0.1)}

	fill, err := sim.Simulate(context.Background(), "acct1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fill.ExecutedPrice.Equal(d(30000)) || !fill.SlippageAmount.IsZero() {
		t.Errorf("limit fill should not slip, got %s (slippage %s)", fill.ExecutedPrice, fill.SlippageAmount)
	}
}

func TestSimulate_SlippageIsUnfavorable(t *testing.T) {
	sm, _ := slippage.NewModel(slippage.DefaultConfig(), slippage.FixedSource(0.5))
	ms := store.NewMemoryStore()
	sim := simulator.New(ms, ledger.New(ms, "USDT", d(100000)), fees.NewDefaultModel(), sm, nil)
	ctx := context.Background()

	buy, err := sim.Simulate(ctx, "acct1", order(model.SideBuy, 1, 50000))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !buy.ExecutedPrice.GreaterThan(d(50000)) {
		t.Errorf("buy should execute above 50000, got %s", buy.ExecutedPrice)
	}
	sell, err := sim.Simulate(ctx, "acct1", order(model.SideSell, 1, 50000))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !sell.ExecutedPrice.LessThan(d(50000)) {
		t.Errorf("sell should execute below 50000, got %s", sell.ExecutedPrice)
	}
}

func TestSimulate_RejectionsLeaveStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000)); err != nil {
		t.Fatalf("setup buy failed: %v", err)
	}
	before := balanceOf(t, env, "acct1")

	bad := order(model.SideBuy, 0, 50000)
	cases := []struct {
		name string
		req  model.OrderRequest
		want error
	}{
		{"zero quantity", bad, simulator.ErrInvalidOrder},
		{"insufficient funds", order(model.SideBuy, 1, 50000), simulator.ErrInsufficientFunds},
		{"oversell", order(model.SideSell, 0.2, 50000), simulator.ErrInsufficientPosition},
		{"bad symbol", model.OrderRequest{Symbol: "BTC", Side: model.SideBuy, Quantity: d(1), Price: d(1), Exchange: "binance"}, simulator.ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.sim.Simulate(ctx, "acct1", tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			after := balanceOf(t, env, "acct1")
			if !sameBalance(after, before) {
				t.Errorf("balance changed by rejected order: %+v -> %+v", before, after)
			}
		})
	}

	fills, _ := env.store.ListFills(ctx, "acct1")
	if len(fills) != 1 {
		t.Errorf("expected only the setup fill, got %d", len(fills))
	}
}

func TestSimulate_AllowShort(t *testing.T) {
	env := newTestEnv(t, simulator.WithAllowShort(true))
	ctx := context.Background()

	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideSell, 0.1, 50000)); err != nil {
		t.Fatalf("short sell failed: %v", err)
	}
	pos, _ := env.sim.Position(ctx, "acct1", "BTC/USDT")
	if !pos.Size.Equal(d(-0.1)) {
		t.Errorf("expected short -0.1, got %s", pos.Size)
	}

	cover, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 49000))
	if err != nil {
		t.Fatalf("cover failed: %v", err)
	}
	if !cover.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected short profit 100, got %s", cover.RealizedPnL)
	}
}

func TestSimulate_CommitFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before := balanceOf(t, env, "acct1")

	env.store.FailNextCommit(errors.New("disk full"))
	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000)); err == nil {
		t.Fatal("expected commit failure")
	}

	if after := balanceOf(t, env, "acct1"); !sameBalance(after, before) {
		t.Errorf("balance changed after failed commit: %+v -> %+v", before, after)
	}
	pos, _ := env.sim.Position(ctx, "acct1", "BTC/USDT")
	if !pos.Size.IsZero() {
		t.Errorf("position changed after failed commit: %s", pos.Size)
	}

	// The next order proceeds normally.
	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestSimulate_PositionLimit(t *testing.T) {
	limiter := correlation.NewPositionLimiter(d(6000), decimal.Zero)
	env := newTestEnv(t, simulator.WithLimiter(limiter))
	ctx := context.Background()

	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000)); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	env.prices.Update("BTC/USDT", d(50000))
	_, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.05, 50000))
	if !errors.Is(err, simulator.ErrPositionLimit) {
		t.Fatalf("expected ErrPositionLimit, got %v", err)
	}
	if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideSell, 0.05, 50000)); err != nil {
		t.Errorf("reducing order should pass, got %v", err)
	}
}

func TestSimulate_GridHookCommitsWithFill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g := &model.Grid{ID: "grid-1", AccountID: "acct1", Symbol: "BTC/USDT", Status: model.GridActive}
	fill, err := env.sim.SimulateForGrid(ctx, "acct1", g.ID, order(model.SideBuy, 0.1, 50000),
		func(f model.Fill) (*model.Grid, error) {
			next := g.Clone()
			next.InventoryQty = f.Quantity
			return next, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fill.GridID != "grid-1" {
		t.Errorf("expected grid id on fill, got %q", fill.GridID)
	}
	stored, err := env.store.GetGrid(ctx, "grid-1")
	if err != nil {
		t.Fatalf("grid not committed: %v", err)
	}
	if !stored.InventoryQty.Equal(d(0.1)) {
		t.Errorf("expected grid inventory 0.1, got %s", stored.InventoryQty)
	}
}

func TestSimulate_HookErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before := balanceOf(t, env, "acct1")

	boom := errors.New("boom")
	_, err := env.sim.SimulateForGrid(ctx, "acct1", "grid-1", order(model.SideBuy, 0.1, 50000),
		func(model.Fill) (*model.Grid, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if after := balanceOf(t, env, "acct1"); !sameBalance(after, before) {
		t.Error("balance changed after hook failure")
	}
}

func TestSimulate_PositionsRebuiltFromHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.01, 50000)); err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
	}

	// A fresh simulator over the same store sees the same positions.
	sm, _ := slippage.NewModel(slippage.Config{MaxPercent: d(5), MinMultiplier: d(1), MaxMultiplier: d(1)}, slippage.FixedSource(0))
	fresh := simulator.New(env.store, ledger.New(env.store, "USDT", d(10000)), fees.NewDefaultModel(), sm, nil)
	pos, err := fresh.Position(ctx, "acct1", "BTC/USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Size.Equal(d(0.03)) {
		t.Errorf("expected rebuilt size 0.03, got %s", pos.Size)
	}
	b, _ := fresh.Ledger().Balance(ctx, "acct1")
	if !sameBalance(b, balanceOf(t, env, "acct1")) {
		t.Errorf("rebuilt balance differs")
	}
}

func TestSimulate_ConcurrentBuysNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Each buy costs 1000 + 0.9 fee; only 9 fit in 10,000.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.02, 50000))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, simulator.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 9 {
		t.Errorf("expected 9 fills, got %d", succeeded)
	}
	b := balanceOf(t, env, "acct1")
	if !b.Available.Equal(d(991.9)) {
		t.Errorf("expected available 991.9, got %s", b.Available)
	}
	pos, _ := env.sim.Position(ctx, "acct1", "BTC/USDT")
	if !pos.Size.Equal(d(0.18)) {
		t.Errorf("expected position 0.18, got %s", pos.Size)
	}
}

func TestSimulate_Conservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	steps := []model.OrderRequest{
		order(model.SideBuy, 0.1, 50000),
		order(model.SideBuy, 0.05, 48000),
		order(model.SideSell, 0.08, 51000),
		order(model.SideSell, 0.07, 47000),
	}
	for _, req := range steps {
		if _, err := env.sim.Simulate(ctx, "acct1", req); err != nil {
			t.Fatalf("order failed: %v", err)
		}
	}

	fills, _ := env.store.ListFills(ctx, "acct1")
	realized, feesPaid := decimal.Zero, decimal.Zero
	for _, f := range fills {
		realized = realized.Add(f.RealizedPnL)
		feesPaid = feesPaid.Add(f.FeeAmount)
	}
	b := balanceOf(t, env, "acct1")
	want := d(10000).Add(realized).Sub(feesPaid)
	if !b.Total.Equal(want) {
		t.Errorf("flat account total %s, want initial + realized − fees = %s", b.Total, want)
	}
}

func TestSimulate_ConservationWithRepeatingAverage(t *testing.T) {
	tests := []struct {
		name  string
		steps []model.OrderRequest
	}{
		{"single close", []model.OrderRequest{
			order(model.SideBuy, 1, 1),
			order(model.SideBuy, 2, 2),
			order(model.SideSell, 3, 2),
		}},
		{"partial closes", []model.OrderRequest{
			order(model.SideBuy, 1, 1),
			order(model.SideBuy, 1, 2),
			order(model.SideBuy, 1, 2),
			order(model.SideSell, 1, 3),
			order(model.SideSell, 1, 1.7),
			order(model.SideSell, 1, 2.9),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			for _, req := range tt.steps {
				if _, err := env.sim.Simulate(ctx, "acct1", req); err != nil {
					t.Fatalf("order failed: %v", err)
				}
			}

			fills, _ := env.store.ListFills(ctx, "acct1")
			realized, feesPaid := decimal.Zero, decimal.Zero
			for _, f := range fills {
				realized = realized.Add(f.RealizedPnL)
				feesPaid = feesPaid.Add(f.FeeAmount)
			}
			b := balanceOf(t, env, "acct1")
			want := d(10000).Add(realized).Sub(feesPaid)
			if !b.Total.Equal(want) {
				t.Errorf("total=%s want=%s realized=%s fees=%s", b.Total, want, realized, feesPaid)
			}
		})
	}

	env := newTestEnv(t)
	ctx := context.Background()
	var last *model.Fill
	for _, req := range tests[0].steps {
		last, _ = env.sim.Simulate(ctx, "acct1", req)
	}
	if last == nil || !last.RealizedPnL.Equal(d(1)) {
		t.Errorf("expected closing fill to realize exactly 1, got %v", last)
	}
}

func TestPortfolio(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000))
	env.prices.Update("BTC/USDT", d(49000))

	p, err := env.sim.Portfolio(ctx, "acct1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if !p.InitialBalance.Equal(d(10000)) {
		t.Errorf("expected initial 10000, got %s", p.InitialBalance)
	}
	if len(p.Positions) != 1 || !p.Positions[0].UnrealizedPnL.Equal(d(-100)) {
		t.Fatalf("expected one position with unrealized -100, got %+v", p.Positions)
	}
	if !p.Performance.Equity.Equal(d(9895.5)) {
		t.Errorf("expected equity 9895.5, got %s", p.Performance.Equity)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000))

	b, err := env.sim.Reset(ctx, "acct1", decimal.Zero)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !b.Total.Equal(d(10000)) || !b.Available.Equal(d(10000)) {
		t.Errorf("expected starting balance after reset, got %+v", b)
	}
	if _, err := env.sim.Reset(ctx, "acct1", d(-1)); !errors.Is(err, simulator.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder for negative reset, got %v", err)
	}
}

func TestReset_PerformanceKeepsStartingBaseline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sim.Simulate(ctx, "acct1", order(model.SideBuy, 0.1, 50000))
	env.prices.Update("BTC/USDT", d(49000))

	before, err := env.sim.Portfolio(ctx, "acct1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if _, err := env.sim.Reset(ctx, "acct1", d(2500)); err != nil {
		t.Fatalf("reset: %v", err)
	}
	after, err := env.sim.Portfolio(ctx, "acct1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}

	if !after.Balance.Total.Equal(d(2500)) {
		t.Errorf("expected balance 2500 after reset, got %s", after.Balance.Total)
	}
	if !after.InitialBalance.Equal(d(10000)) {
		t.Errorf("expected initial balance to stay at the starting balance, got %s", after.InitialBalance)
	}
	if !after.Performance.Equity.Equal(before.Performance.Equity) {
		t.Errorf("expected equity %s to survive reset, got %s", before.Performance.Equity, after.Performance.Equity)
	}
	if len(after.Positions) != 1 {
		t.Errorf("expected the open position to survive reset, got %+v", after.Positions)
	}
}

func TestReason(t *testing.T) {
	cases := map[error]string{
		simulator.ErrInvalidOrder:         "invalid_order",
		simulator.ErrInsufficientFunds:    "insufficient_funds",
		simulator.ErrInsufficientPosition: "insufficient_position",
		simulator.ErrPositionLimit:        "position_limit",
		simulator.ErrInvariantViolation:   "invariant_violation",
		errors.New("other"):               "internal",
	}
	for err, want := range cases {
		if got := simulator.Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
