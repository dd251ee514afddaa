// Package slippage models the market impact of a simulated taker order.
//
// The slippage percent grows with volatility and order size and shrinks with
// liquidity:
//
//	pct = base × (1 + volatility × weight) × (1 + notional / depth) / liquidity × m
//
// where m is a random multiplier in [MinMultiplier, MaxMultiplier] drawn from
// an injectable Source, and pct is capped at MaxPercent. All percentages are
// in percent units (0.05 means 0.05%).
package slippage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned for nonsensical model parameters.
	ErrInvalidConfig = errors.New("slippage: invalid configuration")

	// MinPrice is the floor for executed prices.
	MinPrice = decimal.New(1, -int32(model.MoneyScale))

	// MinLiquidity bounds the liquidity divisor away from zero.
	MinLiquidity = decimal.NewFromFloat(0.01)

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// percentScale is the number of decimal places kept for slippage percent.
const percentScale int32 = 6

// Config holds the model parameters.
type Config struct {
	BasePercent      decimal.Decimal // slippage at zero volatility, full liquidity
	VolatilityWeight decimal.Decimal // how strongly volatility scales the base
	Depth            decimal.Decimal // notional at which size doubles slippage; 0 disables
	MaxPercent       decimal.Decimal // hard cap
	MinMultiplier    decimal.Decimal
	MaxMultiplier    decimal.Decimal
}

// DefaultConfig returns a 0.05% base, 0.7×–1.3× variance, 5% cap.
func DefaultConfig() Config {
	return Config{
		BasePercent:      decimal.NewFromFloat(0.05),
		VolatilityWeight: decimal.NewFromInt(10),
		Depth:            decimal.Zero,
		MaxPercent:       decimal.NewFromInt(5),
		MinMultiplier:    decimal.NewFromFloat(0.7),
		MaxMultiplier:    decimal.NewFromFloat(1.3),
	}
}

// Result is the outcome of one slippage computation.
type Result struct {
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	SlippageAmount  decimal.Decimal `json:"slippage_amount"`
	SlippagePercent decimal.Decimal `json:"slippage_percent"`
	Multiplier      decimal.Decimal `json:"multiplier"`
}

// Model computes slippage. It holds no mutable state besides its Source and
// is safe for concurrent use when the Source is.
type Model struct {
	cfg Config
	src Source
}

// NewModel validates cfg and returns a model drawing variance from src.
func NewModel(cfg Config, src Source) (*Model, error) {
	switch {
	case cfg.BasePercent.IsNegative():
		return nil, fmt.Errorf("%w: base percent must not be negative", ErrInvalidConfig)
	case cfg.VolatilityWeight.IsNegative():
		return nil, fmt.Errorf("%w: volatility weight must not be negative", ErrInvalidConfig)
	case cfg.Depth.IsNegative():
		return nil, fmt.Errorf("%w: depth must not be negative", ErrInvalidConfig)
	case !cfg.MaxPercent.IsPositive() || cfg.MaxPercent.GreaterThanOrEqual(hundred):
		return nil, fmt.Errorf("%w: max percent must be in (0, 100)", ErrInvalidConfig)
	case cfg.MinMultiplier.IsNegative() || cfg.MaxMultiplier.LessThan(cfg.MinMultiplier):
		return nil, fmt.Errorf("%w: multiplier range [%s, %s]", ErrInvalidConfig, cfg.MinMultiplier, cfg.MaxMultiplier)
	}
	if src == nil {
		src = NewLockedSource(1)
	}
	return &Model{cfg: cfg, src: src}, nil
}

// Slip computes the executed price of a taker order. Buys execute at or
// above price, sells at or below, never below MinPrice.
func (m *Model) Slip(price, quantity decimal.Decimal, side model.Side, cond model.MarketConditions) Result {
	mult := m.multiplier()
	pct := m.percent(price, quantity, cond, mult)

	amount := price.Mul(pct).Div(hundred).Round(model.MoneyScale)
	executed := price.Add(amount)
	if side == model.SideSell {
		executed = price.Sub(amount)
		if executed.LessThan(MinPrice) {
			executed = decimal.Min(price, MinPrice)
			amount = price.Sub(executed)
		}
	}

	return Result{
		ExecutedPrice:   executed,
		SlippageAmount:  amount,
		SlippagePercent: pct,
		Multiplier:      mult,
	}
}

func (m *Model) percent(price, quantity decimal.Decimal, cond model.MarketConditions, mult decimal.Decimal) decimal.Decimal {
	if m.cfg.BasePercent.IsZero() {
		return decimal.Zero
	}

	liquidity := cond.Liquidity
	if liquidity.IsZero() {
		liquidity = one
	}
	if liquidity.LessThan(MinLiquidity) {
		liquidity = MinLiquidity
	}

	volFactor := one.Add(cond.Volatility.Mul(m.cfg.VolatilityWeight))

	sizeFactor := one
	if m.cfg.Depth.IsPositive() {
		sizeFactor = one.Add(quantity.Mul(price).Div(m.cfg.Depth))
	}

	pct := m.cfg.BasePercent.
		Mul(volFactor).
		Mul(sizeFactor).
		Div(liquidity).
		Mul(mult).
		Round(percentScale)

	if pct.GreaterThan(m.cfg.MaxPercent) {
		return m.cfg.MaxPercent
	}
	return pct
}

func (m *Model) multiplier() decimal.Decimal {
	u := m.src.Float64()
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	span := m.cfg.MaxMultiplier.Sub(m.cfg.MinMultiplier)
	return m.cfg.MinMultiplier.Add(span.Mul(decimal.NewFromFloat(u))).Round(percentScale)
}
