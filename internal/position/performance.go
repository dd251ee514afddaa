package position

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Performance walks the full fill history and derives portfolio statistics.
//
// A fill that closes exposure counts as a closed trade; its result is the
// realized P&L net of that fill's fee; a breakeven close is neither a win
// nor a loss and stays out of the win rate. The equity curve is
// initial + cumulative realized − cumulative fees after each fill, and the
// final point adds unrealized P&L at mark.
func Performance(fills []model.Fill, initial decimal.Decimal, mark MarkFunc) model.Performance {
	var perf model.Performance
	book := NewBook("")

	equity := initial
	peak := initial
	maxDD := decimal.Zero
	maxDDPeak := initial

	observe := func(eq decimal.Decimal) {
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if dd := peak.Sub(eq); dd.GreaterThan(maxDD) {
			maxDD = dd
			maxDDPeak = peak
		}
	}

	for _, f := range fills {
		perf.TotalTrades++
		c := book.Apply(f)

		perf.TotalFees = perf.TotalFees.Add(f.FeeAmount)
		perf.RealizedPnL = perf.RealizedPnL.Add(c.Realized)
		equity = equity.Add(c.Realized).Sub(f.FeeAmount)
		observe(equity)

		if !c.ClosedQty.IsPositive() {
			continue
		}
		perf.ClosedTrades++
		net := c.Realized.Sub(f.FeeAmount)
		switch {
		case net.IsPositive():
			perf.WinningTrades++
			perf.GrossProfit = perf.GrossProfit.Add(net)
		case net.IsNegative():
			perf.LosingTrades++
			perf.GrossLoss = perf.GrossLoss.Add(net.Neg())
		}
	}

	for _, p := range book.Positions(mark) {
		perf.UnrealizedPnL = perf.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	perf.Equity = equity.Add(perf.UnrealizedPnL)
	observe(perf.Equity)

	perf.MaxDrawdown = maxDD
	if maxDDPeak.IsPositive() {
		perf.MaxDrawdownPercent = maxDD.Div(maxDDPeak).Mul(hundred).Round(2)
	}
	perf.CurrentDrawdown = peak.Sub(perf.Equity)
	if peak.IsPositive() {
		perf.CurrentDrawdownPercent = perf.CurrentDrawdown.Div(peak).Mul(hundred).Round(2)
	}

	if perf.WinningTrades > 0 {
		perf.AverageWin = perf.GrossProfit.Div(decimal.NewFromInt(int64(perf.WinningTrades))).Round(model.MoneyScale)
	}
	if perf.LosingTrades > 0 {
		perf.AverageLoss = perf.GrossLoss.Div(decimal.NewFromInt(int64(perf.LosingTrades))).Round(model.MoneyScale)
	}
	if perf.GrossLoss.IsPositive() {
		perf.ProfitFactor = perf.GrossProfit.Div(perf.GrossLoss).Round(4)
	}
	if decided := perf.WinningTrades + perf.LosingTrades; decided > 0 {
		perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).
			Div(decimal.NewFromInt(int64(decided))).
			Mul(hundred).Round(2)
	}

	perf.TotalReturn = perf.Equity.Sub(initial)
	if initial.IsPositive() {
		perf.TotalReturnPercent = perf.TotalReturn.Div(initial).Mul(hundred).Round(2)
	}
	return perf
}
