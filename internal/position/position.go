// Package position derives net-per-symbol positions and P&L from fills.
//
// Positions are never a source of truth: they can always be rebuilt by
// replaying an account's fill history.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Change describes the effect of one fill on a position.
type Change struct {
	Position  model.Position  // position after the fill
	Realized  decimal.Decimal // P&L realized by the fill (before fees)
	ClosedQty decimal.Decimal // quantity of prior exposure closed
	Reversed  bool            // the fill flipped the position's direction
}

// Apply returns the position after a fill of qty at price on side.
//
// The position carries its cost basis: the rounded notional paid (long) or
// received (short) for the open size. Increasing exposure adds the fill's
// notional to it. Decreasing exposure realizes the closed notional minus
// the closed share of the basis, signed by direction, so a round trip
// realizes exactly what the ledger moved. Quantity beyond the old size
// opens a new position at price.
func Apply(p model.Position, side model.Side, qty, price decimal.Decimal) Change {
	signed := qty.Mul(side.Sign())
	value := qty.Mul(price).Round(model.MoneyScale)
	next := p

	if p.Size.IsZero() || p.Size.Sign() == signed.Sign() {
		next.Size = p.Size.Add(signed)
		next.CostBasis = costBasis(p).Add(value)
		next.EntryPrice = next.CostBasis.Div(next.Size.Abs()).Round(model.MoneyScale)
		return Change{Position: next, Realized: decimal.Zero, ClosedQty: decimal.Zero}
	}

	oldAbs := p.Size.Abs()
	closed := decimal.Min(qty, oldAbs)
	direction := decimal.NewFromInt(int64(p.Size.Sign()))

	cost := costBasis(p)
	closedCost := cost
	if closed.LessThan(oldAbs) {
		closedCost = cost.Mul(closed).Div(oldAbs).Round(model.MoneyScale)
	}
	closedValue := value
	if closed.LessThan(qty) {
		closedValue = closed.Mul(price).Round(model.MoneyScale)
	}
	realized := closedValue.Sub(closedCost).Mul(direction)

	next.RealizedPnL = p.RealizedPnL.Add(realized)
	next.Size = p.Size.Add(signed)

	change := Change{Realized: realized, ClosedQty: closed}
	switch {
	case next.Size.IsZero():
		next.EntryPrice = decimal.Zero
		next.CostBasis = decimal.Zero
	case next.Size.Sign() != p.Size.Sign():
		next.EntryPrice = price
		next.CostBasis = value.Sub(closedValue)
		change.Reversed = true
	default:
		next.CostBasis = cost.Sub(closedCost)
	}
	change.Position = next
	return change
}

// costBasis returns the position's basis, deriving it from the entry price
// for positions built without one.
func costBasis(p model.Position) decimal.Decimal {
	if !p.CostBasis.IsZero() || p.Size.IsZero() {
		return p.CostBasis
	}
	return p.Size.Abs().Mul(p.EntryPrice).Round(model.MoneyScale)
}

// Unrealized returns the marked value of the open size minus its cost
// basis, signed so shorts gain when the mark falls.
func Unrealized(p model.Position, mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	value := p.Size.Abs().Mul(mark).Round(model.MoneyScale)
	return value.Sub(costBasis(p)).Mul(decimal.NewFromInt(int64(p.Size.Sign())))
}

// MarkFunc returns the latest mark price for a symbol.
type MarkFunc func(symbol string) (decimal.Decimal, bool)

// Book holds the open positions of one account. It is not safe for
// concurrent use; the simulator guards it with the account lock.
type Book struct {
	accountID string
	open      map[string]model.Position
	closed    decimal.Decimal // realized P&L of positions that returned to zero
}

// NewBook creates an empty book.
func NewBook(accountID string) *Book {
	return &Book{accountID: accountID, open: make(map[string]model.Position)}
}

// Replay builds a book from a fill history.
func Replay(accountID string, fills []model.Fill) *Book {
	b := NewBook(accountID)
	for _, f := range fills {
		b.Apply(f)
	}
	return b
}

// Get returns the open position for symbol, or a zero position.
func (b *Book) Get(symbol string) model.Position {
	if p, ok := b.open[symbol]; ok {
		return p
	}
	return model.Position{AccountID: b.accountID, Symbol: symbol}
}

// Preview computes the effect of a fill without changing the book.
func (b *Book) Preview(f model.Fill) Change {
	return Apply(b.Get(f.Symbol), f.Side, f.Quantity, f.ExecutedPrice)
}

// Apply updates the book with a fill and returns the change.
func (b *Book) Apply(f model.Fill) Change {
	c := b.Preview(f)
	b.Commit(c)
	return c
}

// Commit installs a previewed change. A position whose size returns to zero
// is removed after folding its realized P&L into the account total.
func (b *Book) Commit(c Change) {
	p := c.Position
	if p.Size.IsZero() {
		b.closed = b.closed.Add(p.RealizedPnL)
		delete(b.open, p.Symbol)
		return
	}
	b.open[p.Symbol] = p
}

// Realized returns the total realized P&L across open and closed positions.
func (b *Book) Realized() decimal.Decimal {
	total := b.closed
	for _, p := range b.open {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// Positions returns open positions sorted by symbol, with unrealized P&L
// computed from mark. Symbols without a mark are valued at entry.
func (b *Book) Positions(mark MarkFunc) []model.Position {
	result := make([]model.Position, 0, len(b.open))
	for _, p := range b.open {
		m := p.EntryPrice
		if mark != nil {
			if price, ok := mark(p.Symbol); ok {
				m = price
			}
		}
		p.MarkPrice = m
		p.UnrealizedPnL = Unrealized(p, m)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}
