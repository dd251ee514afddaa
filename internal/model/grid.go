package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// GridStatus is the lifecycle state of a grid.
type GridStatus string

const (
	GridActive GridStatus = "ACTIVE"
	GridPaused GridStatus = "PAUSED"
	GridClosed GridStatus = "CLOSED"
	GridError  GridStatus = "ERROR"
)

// GridMode selects how level prices are spaced.
type GridMode string

const (
	GridArithmetic GridMode = "arithmetic"
	GridGeometric  GridMode = "geometric"
)

// GridLevel is one rung of the ladder. Price, Quantity and Side are fixed at
// creation; Filled toggles once the simulated order for the level commits.
type GridLevel struct {
	Index    int             `json:"index"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
	Filled   bool            `json:"filled"`
	FillID   string          `json:"fill_id,omitempty"`
	FilledAt *time.Time      `json:"filled_at,omitempty"`
}

// Grid is a static ladder of price levels on one symbol.
type Grid struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Strategy       string          `json:"strategy"`
	BasePrice      decimal.Decimal `json:"base_price"`
	Spacing        decimal.Decimal `json:"spacing"`
	Mode           GridMode        `json:"mode"`
	Levels         []GridLevel     `json:"levels"`
	Status         GridStatus      `json:"status"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	InventoryQty   decimal.Decimal `json:"inventory_qty"`
	InventoryCost  decimal.Decimal `json:"inventory_cost"`
	LastPrice      decimal.Decimal `json:"last_price"`
	StatusReason   string          `json:"status_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so callers can stage changes without touching
// shared state.
func (g *Grid) Clone() *Grid {
	c := *g
	c.Levels = make([]GridLevel, len(g.Levels))
	copy(c.Levels, g.Levels)
	if g.ClosedAt != nil {
		t := *g.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Terminal reports whether no further transitions are allowed.
func (g *Grid) Terminal() bool {
	return g.Status == GridClosed
}

// AverageCost returns the cost per unit of the grid's inventory. Inventory
// is signed: a grid that sold before buying holds a negative quantity.
func (g *Grid) AverageCost() decimal.Decimal {
	if g.InventoryQty.IsZero() {
		return decimal.Zero
	}
	return g.InventoryCost.Div(g.InventoryQty.Abs()).Round(MoneyScale)
}

// SortLevels orders levels by ascending price and renumbers them.
func SortLevels(levels []GridLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
	for i := range levels {
		levels[i].Index = i
	}
}
