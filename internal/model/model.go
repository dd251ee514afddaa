// Package model defines the core domain types shared across the paper engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for prices, fees and
// balances.
const MoneyScale int32 = 8

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType distinguishes market from limit requests.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// Balance is the virtual cash balance of one account in the settlement
// currency. Total == Available + Locked at every observable point.
type Balance struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Currency  string          `json:"currency" db:"currency"`
	Total     decimal.Decimal `json:"total" db:"total"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Consistent reports whether the balance satisfies the ledger invariants.
func (b Balance) Consistent() bool {
	if b.Total.IsNegative() || b.Available.IsNegative() || b.Locked.IsNegative() {
		return false
	}
	return b.Total.Equal(b.Available.Add(b.Locked))
}

// MarketConditions is the market snapshot fed to the slippage model.
type MarketConditions struct {
	Volatility decimal.Decimal `json:"volatility"`
	Liquidity  decimal.Decimal `json:"liquidity"`
}

// Fill is an immutable record of one simulated execution.
// Once created, fills are never modified or deleted.
type Fill struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Side            Side            `json:"side" db:"side"`
	Type            OrderType       `json:"type" db:"order_type"`
	Exchange        string          `json:"exchange" db:"exchange"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	RequestedPrice  decimal.Decimal `json:"requested_price" db:"requested_price"`
	ExecutedPrice   decimal.Decimal `json:"executed_price" db:"executed_price"`
	SlippageAmount  decimal.Decimal `json:"slippage_amount" db:"slippage_amount"`
	SlippagePercent decimal.Decimal `json:"slippage_percent" db:"slippage_percent"`
	FeeAmount       decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	FeePercent      decimal.Decimal `json:"fee_percent" db:"fee_percent"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	GridID          string          `json:"grid_id,omitempty" db:"grid_id"`
	IsPaperTrade    bool            `json:"is_paper_trade" db:"is_paper_trade"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// Notional is quantity × executed price.
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.ExecutedPrice)
}

// Position is the net exposure of one account in one symbol. Size is signed:
// positive is long, negative is short.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"` // notional of the open size
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Performance aggregates portfolio statistics derived from fill history.
// These values are recomputable and never the source of truth.
type Performance struct {
	TotalTrades            int             `json:"total_trades"`
	ClosedTrades           int             `json:"closed_trades"`
	WinningTrades          int             `json:"winning_trades"`
	LosingTrades           int             `json:"losing_trades"`
	WinRate                decimal.Decimal `json:"win_rate"`
	AverageWin             decimal.Decimal `json:"average_win"`
	AverageLoss            decimal.Decimal `json:"average_loss"`
	GrossProfit            decimal.Decimal `json:"gross_profit"`
	GrossLoss              decimal.Decimal `json:"gross_loss"`
	ProfitFactor           decimal.Decimal `json:"profit_factor"`
	TotalFees              decimal.Decimal `json:"total_fees"`
	RealizedPnL            decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL          decimal.Decimal `json:"unrealized_pnl"`
	Equity                 decimal.Decimal `json:"equity"`
	MaxDrawdown            decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPercent     decimal.Decimal `json:"max_drawdown_percent"`
	CurrentDrawdown        decimal.Decimal `json:"current_drawdown"`
	CurrentDrawdownPercent decimal.Decimal `json:"current_drawdown_percent"`
	TotalReturn            decimal.Decimal `json:"total_return"`
	TotalReturnPercent     decimal.Decimal `json:"total_return_percent"`
}

// Portfolio is the account view returned to callers.
type Portfolio struct {
	AccountID      string          `json:"account_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Balance        Balance         `json:"balance"`
	Positions      []Position      `json:"positions"`
	Performance    Performance     `json:"performance"`
}
