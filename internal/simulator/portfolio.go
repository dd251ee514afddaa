package simulator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/symbol"
)

// Portfolio returns a consistent snapshot of the account: balance, open
// positions marked to market, and performance over the full fill history.
// The snapshot is taken under the account lock so it never observes half of
// a fill.
func (s *Simulator) Portfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidOrder)
	}

	var p *model.Portfolio
	_, err := s.ledger.Do(ctx, accountID, func(tx *ledger.Tx) error {
		book, err := s.book(ctx, accountID)
		if err != nil {
			return err
		}
		fills, err := s.store.ListFills(ctx, accountID)
		if err != nil {
			return fmt.Errorf("list fills %s: %w", accountID, err)
		}

		initial := s.ledger.StartingBalance()
		p = &model.Portfolio{
			AccountID:      accountID,
			InitialBalance: initial,
			Balance:        tx.Balance(),
			Positions:      book.Positions(s.mark),
			Performance:    position.Performance(fills, initial, s.mark),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Positions returns the account's open positions marked to market.
func (s *Simulator) Positions(ctx context.Context, accountID string) ([]model.Position, error) {
	var positions []model.Position
	_, err := s.ledger.Do(ctx, accountID, func(_ *ledger.Tx) error {
		book, err := s.book(ctx, accountID)
		if err != nil {
			return err
		}
		positions = book.Positions(s.mark)
		return nil
	})
	return positions, err
}

// Position returns the account's position in one symbol, zero if flat.
func (s *Simulator) Position(ctx context.Context, accountID, sym string) (model.Position, error) {
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return model.Position{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	var p model.Position
	_, err = s.ledger.Do(ctx, accountID, func(_ *ledger.Tx) error {
		book, err := s.book(ctx, accountID)
		if err != nil {
			return err
		}
		p = book.Get(norm)
		return nil
	})
	return p, err
}

// Fills returns the account's fill history in execution order.
func (s *Simulator) Fills(ctx context.Context, accountID string) ([]model.Fill, error) {
	return s.store.ListFills(ctx, accountID)
}

// Reset restores the account balance to amount, or to the starting balance
// when amount is zero. Fill history and the positions derived from it are
// kept. Portfolio performance is still measured from the configured starting
// balance over the whole fill history, so after a reset to a custom amount
// Performance.Equity no longer tracks Balance.Total.
func (s *Simulator) Reset(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	if accountID == "" {
		return model.Balance{}, fmt.Errorf("%w: account is required", ErrInvalidOrder)
	}
	if amount.IsNegative() {
		return model.Balance{}, fmt.Errorf("%w: reset amount must not be negative", ErrInvalidOrder)
	}
	if amount.IsZero() {
		amount = s.ledger.StartingBalance()
	}
	b, err := s.ledger.Reset(ctx, accountID, amount)
	if err != nil {
		return model.Balance{}, err
	}
	slog.Info("paper account reset", "account", accountID, "balance", b.Total.String())
	return b, nil
}
