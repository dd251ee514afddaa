package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOrder is returned for malformed or nonsensical order requests.
	ErrInvalidOrder = errors.New("model: invalid order")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("model: not found")
)

// OrderRequest is a client request to simulate an order. Market orders may
// leave Price zero to execute against the latest mark price; limit orders
// must carry a positive price.
type OrderRequest struct {
	Type       OrderType        `json:"type"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Exchange   string           `json:"exchange"`
	Conditions MarketConditions `json:"conditions"`
}

// Validate checks the request shape. It does not consult balances or prices.
func (r *OrderRequest) Validate() error {
	if r.Type == "" {
		r.Type = OrderMarket
	}
	switch {
	case r.Type != OrderMarket && r.Type != OrderLimit:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, r.Type)
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case !r.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case strings.TrimSpace(r.Exchange) == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidOrder)
	case r.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	case r.Type == OrderLimit && !r.Price.IsPositive():
		return fmt.Errorf("%w: limit order requires a positive price", ErrInvalidOrder)
	case r.Conditions.Volatility.IsNegative() || r.Conditions.Liquidity.IsNegative():
		return fmt.Errorf("%w: market conditions must not be negative", ErrInvalidOrder)
	}
	return nil
}
