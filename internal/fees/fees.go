// Package fees computes simulated trading fees per venue.
//
// The model is pure and advisory: an unknown venue falls back to the default
// rate instead of failing the order.
package fees

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrInvalidRate is returned for negative or malformed configured rates.
var ErrInvalidRate = errors.New("fees: invalid rate")

var hundred = decimal.NewFromInt(100)

// DefaultRates are taker rates as fractions of notional.
var DefaultRates = map[string]decimal.Decimal{
	"binance":  decimal.RequireFromString("0.0009"),
	"okx":      decimal.RequireFromString("0.0008"),
	"bybit":    decimal.RequireFromString("0.001"),
	"kraken":   decimal.RequireFromString("0.0026"),
	"coinbase": decimal.RequireFromString("0.006"),
}

// DefaultRate applies to venues without a configured rate.
var DefaultRate = decimal.RequireFromString("0.001")

// Quote is the result of a fee computation.
type Quote struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"` // Rate × 100
	Rate    decimal.Decimal `json:"rate"`
}

// Model maps venues to fee rates. It is read-only after construction and
// safe for concurrent use.
type Model struct {
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
}

// NewModel creates a model from venue rates (fractions, e.g. 0.001 = 0.1%).
// Venue names are matched case-insensitively.
func NewModel(rates map[string]decimal.Decimal, defaultRate decimal.Decimal) (*Model, error) {
	if defaultRate.IsNegative() {
		return nil, fmt.Errorf("%w: default rate %s", ErrInvalidRate, defaultRate)
	}
	m := &Model{
		rates:       make(map[string]decimal.Decimal, len(rates)),
		defaultRate: defaultRate,
	}
	for venue, r := range rates {
		if r.IsNegative() {
			return nil, fmt.Errorf("%w: %s=%s", ErrInvalidRate, venue, r)
		}
		m.rates[normalizeVenue(venue)] = r
	}
	return m, nil
}

// NewDefaultModel creates a model with DefaultRates and DefaultRate.
func NewDefaultModel() *Model {
	m, _ := NewModel(DefaultRates, DefaultRate)
	return m
}

// Rate returns the rate for venue, or the default rate.
func (m *Model) Rate(venue string) decimal.Decimal {
	if r, ok := m.rates[normalizeVenue(venue)]; ok {
		return r
	}
	return m.defaultRate
}

// Fee computes the fee for quantity at price on venue.
func (m *Model) Fee(quantity, price decimal.Decimal, venue string) Quote {
	rate := m.Rate(venue)
	amount := quantity.Mul(price).Mul(rate).Round(model.MoneyScale)
	return Quote{
		Amount:  amount,
		Percent: rate.Mul(hundred),
		Rate:    rate,
	}
}

// ParseRates parses "binance=0.0009,okx=0.0008" into a rate map.
func ParseRates(s string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		venue, raw, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(venue) == "" {
			return nil, fmt.Errorf("%w: %q (expected venue=rate)", ErrInvalidRate, part)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || r.IsNegative() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRate, part)
		}
		rates[normalizeVenue(venue)] = r
	}
	return rates, nil
}

func normalizeVenue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
