package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Tx stages balance changes for one account inside Ledger.Do. A Tx is only
// valid for the duration of the callback.
type Tx struct {
	staged    model.Balance
	dirty     bool
	persisted bool
}

// Balance returns the staged snapshot.
func (tx *Tx) Balance() model.Balance {
	return tx.staged
}

// MarkPersisted records that the caller has durably stored Balance(), so the
// ledger skips its own save at commit.
func (tx *Tx) MarkPersisted() {
	tx.persisted = true
}

// Reserve moves amount from available to locked. Fails with
// ErrInsufficientFunds if amount exceeds available; the staged state is
// untouched on failure.
func (tx *Tx) Reserve(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(tx.staged.Available) {
		return fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientFunds, amount.String(), tx.staged.Available.String())
	}

	next := tx.staged
	next.Available = next.Available.Sub(amount)
	next.Locked = next.Locked.Add(amount)
	return tx.apply(next)
}

// Release returns amount from locked to available.
func (tx *Tx) Release(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	next := tx.staged
	next.Locked = next.Locked.Sub(amount)
	next.Available = next.Available.Add(amount)
	return tx.apply(next)
}

// Settle resolves a prior reservation and applies an adjustment: reserved is
// taken out of locked and returned to available, then amount is credited to
// or debited from available. A buy that reserved exactly its cost settles
// with (cost, Debit, cost) and leaves available where the reservation put it.
//
// Any outcome with a negative component is an invariant violation; nothing
// is clamped.
func (tx *Tx) Settle(amount decimal.Decimal, dir Direction, reserved decimal.Decimal) error {
	if amount.IsNegative() || reserved.IsNegative() {
		return ErrInvalidAmount
	}

	next := tx.staged
	next.Locked = next.Locked.Sub(reserved)
	next.Available = next.Available.Add(reserved)
	if dir == Debit {
		next.Available = next.Available.Sub(amount)
	} else {
		next.Available = next.Available.Add(amount)
	}
	return tx.apply(next)
}

// Debit removes amount from available without a reservation.
func (tx *Tx) Debit(amount decimal.Decimal) error {
	if amount.GreaterThan(tx.staged.Available) {
		return fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientFunds, amount.String(), tx.staged.Available.String())
	}
	return tx.Settle(amount, Debit, decimal.Zero)
}

// Credit adds amount to available.
func (tx *Tx) Credit(amount decimal.Decimal) error {
	return tx.Settle(amount, Credit, decimal.Zero)
}

func (tx *Tx) apply(next model.Balance) error {
	next.Total = next.Available.Add(next.Locked)
	if next.Available.IsNegative() || next.Locked.IsNegative() || next.Total.IsNegative() {
		return fmt.Errorf("%w: account %s would reach total=%s available=%s locked=%s",
			ErrInvariantViolation, next.AccountID,
			next.Total.String(), next.Available.String(), next.Locked.String())
	}
	next.UpdatedAt = time.Now().UTC()
	tx.staged = next
	tx.dirty = true
	return nil
}

func (tx *Tx) check() error {
	if !tx.staged.Consistent() {
		return fmt.Errorf("%w: account %s total=%s available=%s locked=%s",
			ErrInvariantViolation, tx.staged.AccountID,
			tx.staged.Total.String(), tx.staged.Available.String(), tx.staged.Locked.String())
	}
	return nil
}
