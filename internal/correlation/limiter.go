// Package correlation implements position limits that account for
// correlation between trading pairs.
//
// Pairs that share a base asset (BTC/USDT, BTC/USDC, BTC-EUR) move together,
// so an account long on all of them carries one concentrated risk. The
// limiter caps net notional exposure per symbol and the aggregate absolute
// exposure across every symbol with the same base asset.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/symbol"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a trade would push a single
	// symbol's net notional beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("correlation: per-symbol exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across pairs sharing a base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// PositionLimiter enforces exposure limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net notional in any one symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute notional across all
	// symbols sharing the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// correlated exposure limits.
func NewPositionLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// Enabled reports whether any limit is configured.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol.IsPositive() || l.MaxCorrelated.IsPositive())
}

// CheckLimit validates whether a trade respects exposure limits.
//
// Parameters:
//   - target: symbol being traded
//   - exposureDelta: signed change in notional (+buy / -sell)
//   - existing: map of symbol → current signed notional for this account
//
// Trades that reduce the absolute exposure of the target are always allowed,
// so an account over its limit can still unwind.
func (l *PositionLimiter) CheckLimit(
	target string,
	exposureDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}

	current := existing[target]
	next := current.Add(exposureDelta)
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() && next.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across pairs sharing the base.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	base := symbol.Base(target)
	total := next.Abs()

	for sym, exposure := range existing {
		if sym == target {
			continue // already counted via next above
		}
		if symbol.Base(sym) == base {
			total = total.Add(exposure.Abs())
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
