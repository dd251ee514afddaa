package grid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/symbol"
)

// MaxLevels bounds the size of one ladder.
const MaxLevels = 500

var one = decimal.NewFromInt(1)

// LevelParams is one explicitly placed level.
type LevelParams struct {
	Price    decimal.Decimal `json:"price"`
	Side     model.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"` // zero means Params.Quantity
}

// Params describes a grid to create. Either BuyLevels/SellLevels generate a
// ladder around BasePrice, or Levels places every level explicitly.
type Params struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Strategy   string          `json:"strategy"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Spacing    decimal.Decimal `json:"spacing"`
	Mode       model.GridMode  `json:"mode"`
	BuyLevels  int             `json:"buy_levels"`
	SellLevels int             `json:"sell_levels"`
	Quantity   decimal.Decimal `json:"quantity"`
	Levels     []LevelParams   `json:"levels,omitempty"`
}

// Build validates the parameters and returns the levels in ascending price order.
func (s Params) Build() ([]model.GridLevel, error) {
	if _, err := symbol.Normalize(s.Symbol); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Exchange) == "" {
		return nil, errors.New("exchange is required")
	}
	if !s.BasePrice.IsPositive() {
		return nil, errors.New("base price must be positive")
	}

	var levels []model.GridLevel
	var err error
	if len(s.Levels) > 0 {
		levels, err = s.explicit()
	} else {
		levels, err = s.generate()
	}
	if err != nil {
		return nil, err
	}

	model.SortLevels(levels)
	for i := 1; i < len(levels); i++ {
		if levels[i].Price.Equal(levels[i-1].Price) {
			return nil, fmt.Errorf("duplicate level price %s", levels[i].Price)
		}
	}
	return levels, nil
}

func (s Params) explicit() ([]model.GridLevel, error) {
	if len(s.Levels) > MaxLevels {
		return nil, fmt.Errorf("%d levels exceeds maximum of %d", len(s.Levels), MaxLevels)
	}
	levels := make([]model.GridLevel, 0, len(s.Levels))
	for i, l := range s.Levels {
		qty := l.Quantity
		if qty.IsZero() {
			qty = s.Quantity
		}
		switch {
		case !l.Price.IsPositive():
			return nil, fmt.Errorf("level %d: price must be positive", i)
		case !l.Side.Valid():
			return nil, fmt.Errorf("level %d: side must be buy or sell", i)
		case !qty.IsPositive():
			return nil, fmt.Errorf("level %d: quantity must be positive", i)
		}
		levels = append(levels, model.GridLevel{Price: l.Price, Quantity: qty, Side: l.Side})
	}
	return levels, nil
}

func (s Params) generate() ([]model.GridLevel, error) {
	mode := s.Mode
	if mode == "" {
		mode = model.GridArithmetic
	}
	switch {
	case mode != model.GridArithmetic && mode != model.GridGeometric:
		return nil, fmt.Errorf("unknown mode %q", s.Mode)
	case s.BuyLevels < 0 || s.SellLevels < 0:
		return nil, errors.New("level counts must not be negative")
	case s.BuyLevels+s.SellLevels == 0:
		return nil, errors.New("at least one level is required")
	case s.BuyLevels+s.SellLevels > MaxLevels:
		return nil, fmt.Errorf("%d levels exceeds maximum of %d", s.BuyLevels+s.SellLevels, MaxLevels)
	case !s.Spacing.IsPositive():
		return nil, errors.New("spacing must be positive")
	case mode == model.GridGeometric && s.Spacing.GreaterThanOrEqual(one):
		return nil, errors.New("geometric spacing must be below 1")
	case !s.Quantity.IsPositive():
		return nil, errors.New("quantity must be positive")
	}

	levels := make([]model.GridLevel, 0, s.BuyLevels+s.SellLevels)
	for i := 1; i <= s.BuyLevels; i++ {
		price := s.levelPrice(mode, model.SideBuy, i)
		if !price.IsPositive() {
			return nil, fmt.Errorf("buy level %d price %s is not positive", i, price)
		}
		levels = append(levels, model.GridLevel{Price: price, Quantity: s.Quantity, Side: model.SideBuy})
	}
	for i := 1; i <= s.SellLevels; i++ {
		price := s.levelPrice(mode, model.SideSell, i)
		levels = append(levels, model.GridLevel{Price: price, Quantity: s.Quantity, Side: model.SideSell})
	}
	return levels, nil
}

// levelPrice returns the i-th level away from the base: base ∓ i×spacing in
// arithmetic mode, base × (1 ∓ spacing)^i in geometric mode.
func (s Params) levelPrice(mode model.GridMode, side model.Side, i int) decimal.Decimal {
	n := decimal.NewFromInt(int64(i))
	if mode == model.GridArithmetic {
		offset := s.Spacing.Mul(n)
		if side == model.SideBuy {
			return s.BasePrice.Sub(offset).Round(model.MoneyScale)
		}
		return s.BasePrice.Add(offset).Round(model.MoneyScale)
	}

	factor := one.Add(s.Spacing)
	if side == model.SideBuy {
		factor = one.Sub(s.Spacing)
	}
	price := s.BasePrice
	for k := 0; k < i; k++ {
		price = price.Mul(factor)
	}
	return price.Round(model.MoneyScale)
}
