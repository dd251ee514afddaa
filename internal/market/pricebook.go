// Package market keeps the latest mark price per symbol. It stands in for
// the external market data feed: price-feed consumers call Update, the
// simulator and P&L calculator read LatestMarkPrice.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no mark price has been seen for a symbol.
var ErrNoPrice = errors.New("market: no mark price")

// ErrInvalidPrice is returned for non-positive prices.
var ErrInvalidPrice = errors.New("market: price must be positive")

// Quote is a mark price observation.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceBook is an in-memory map of the latest quote per symbol. Safe for
// concurrent use.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPriceBook creates an empty price book.
func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]Quote)}
}

// Update records price as the latest mark for symbol.
func (b *PriceBook) Update(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s %s", ErrInvalidPrice, symbol, price)
	}
	b.mu.Lock()
	b.quotes[symbol] = Quote{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()}
	b.mu.Unlock()
	return nil
}

// LatestMarkPrice returns the latest price for symbol.
func (b *PriceBook) LatestMarkPrice(symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	q, ok := b.quotes[symbol]
	b.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return q.Price, nil
}

// Mark adapts the book to position.MarkFunc.
func (b *PriceBook) Mark(symbol string) (decimal.Decimal, bool) {
	p, err := b.LatestMarkPrice(symbol)
	return p, err == nil
}

// Snapshot returns all quotes ordered by symbol.
func (b *PriceBook) Snapshot() []Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Quote, 0, len(b.quotes))
	for _, q := range b.quotes {
		result = append(result, q)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}
