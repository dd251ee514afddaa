// Package ledger owns per-account virtual balances in the settlement
// currency. It is the single source of truth for funds.
//
// Every mutation of one account runs under that account's lock; distinct
// accounts never contend. Mutations are staged on a copy and installed only
// when the whole unit of work succeeds, so a failed operation leaves the
// balance exactly as it was.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/keylock"
	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a debit or reservation exceeds
	// the available balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvariantViolation signals a state that correct code must never
	// reach: a negative component or Total != Available + Locked.
	ErrInvariantViolation = errors.New("ledger: invariant violation")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")
)

// Direction of a settlement adjustment to the available balance.
type Direction int

const (
	Credit Direction = iota
	Debit
)

func (d Direction) String() string {
	if d == Debit {
		return "debit"
	}
	return "credit"
}

// Repository loads and stores balance snapshots. Implementations must return
// an error wrapping model.ErrNotFound when the account has no balance yet.
type Repository interface {
	GetBalance(ctx context.Context, accountID string) (*model.Balance, error)
	SaveBalance(ctx context.Context, b *model.Balance) error
}

// Ledger holds the in-memory balances of all accounts touched by this
// process.
type Ledger struct {
	repo     Repository
	currency string
	starting decimal.Decimal
	locks    keylock.Map

	mu       sync.RWMutex
	balances map[string]model.Balance
}

// New creates a ledger. Accounts are created on first activity with the
// given starting balance.
func New(repo Repository, currency string, starting decimal.Decimal) *Ledger {
	return &Ledger{
		repo:     repo,
		currency: currency,
		starting: starting,
		balances: make(map[string]model.Balance),
	}
}

// StartingBalance returns the configured initial balance for new accounts.
func (l *Ledger) StartingBalance() decimal.Decimal {
	return l.starting
}

// Currency returns the settlement currency.
func (l *Ledger) Currency() string {
	return l.currency
}

// Initialize ensures the account has a balance and returns it. It is a no-op
// when a balance already exists.
func (l *Ledger) Initialize(ctx context.Context, accountID string) (model.Balance, error) {
	unlock := l.locks.Lock(accountID)
	defer unlock()
	return l.load(ctx, accountID)
}

// Balance returns the current snapshot, initialising the account if needed.
func (l *Ledger) Balance(ctx context.Context, accountID string) (model.Balance, error) {
	l.mu.RLock()
	b, ok := l.balances[accountID]
	l.mu.RUnlock()
	if ok {
		return b, nil
	}
	return l.Initialize(ctx, accountID)
}

// Reserve moves amount from available to locked.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	return l.Do(ctx, accountID, func(tx *Tx) error {
		return tx.Reserve(amount)
	})
}

// Release returns a previously reserved amount to available.
func (l *Ledger) Release(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	return l.Do(ctx, accountID, func(tx *Tx) error {
		return tx.Release(amount)
	})
}

// Settle resolves a reservation and applies a credit or debit to available.
// See Tx.Settle.
func (l *Ledger) Settle(ctx context.Context, accountID string, amount decimal.Decimal, dir Direction, reserved decimal.Decimal) (model.Balance, error) {
	return l.Do(ctx, accountID, func(tx *Tx) error {
		return tx.Settle(amount, dir, reserved)
	})
}

// Reset replaces the account balance with amount, unlocked. Administrative.
func (l *Ledger) Reset(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	if amount.IsNegative() {
		return model.Balance{}, ErrInvalidAmount
	}

	unlock := l.locks.Lock(accountID)
	defer unlock()

	b := model.Balance{
		AccountID: accountID,
		Currency:  l.currency,
		Total:     amount,
		Available: amount,
		Locked:    decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	if err := l.repo.SaveBalance(ctx, &b); err != nil {
		return model.Balance{}, fmt.Errorf("reset balance %s: %w", accountID, err)
	}
	l.install(b)

	slog.Info("balance reset", "account", accountID, "amount", amount.String())
	return b, nil
}

// Do runs fn as one atomic unit of work on the account. fn receives a Tx
// staging changes on a copy of the balance; the copy is installed in memory
// only if fn returns nil. fn is responsible for persisting Tx.Balance() when
// durability is needed, so that a storage failure aborts the unit.
//
// Calls for the same account are serialized in lock-acquisition order.
func (l *Ledger) Do(ctx context.Context, accountID string, fn func(tx *Tx) error) (model.Balance, error) {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	current, err := l.load(ctx, accountID)
	if err != nil {
		return model.Balance{}, err
	}

	tx := &Tx{staged: current}
	if err := fn(tx); err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			slog.Error("ledger invariant violated",
				"account", accountID,
				"err", err,
				"total", current.Total.String(),
				"available", current.Available.String(),
				"locked", current.Locked.String(),
			)
		}
		return current, err
	}

	if err := tx.check(); err != nil {
		slog.Error("ledger invariant violated at commit",
			"account", accountID,
			"err", err,
		)
		return current, err
	}

	if tx.dirty {
		if !tx.persisted {
			if err := l.repo.SaveBalance(ctx, &tx.staged); err != nil {
				return current, fmt.Errorf("save balance %s: %w", accountID, err)
			}
		}
		l.install(tx.staged)
	}
	return tx.staged, nil
}

// load returns the in-memory balance, falling back to the repository and
// finally to a fresh starting balance. Caller must hold the account lock.
func (l *Ledger) load(ctx context.Context, accountID string) (model.Balance, error) {
	l.mu.RLock()
	b, ok := l.balances[accountID]
	l.mu.RUnlock()
	if ok {
		return b, nil
	}

	stored, err := l.repo.GetBalance(ctx, accountID)
	switch {
	case err == nil:
		if !stored.Consistent() {
			return model.Balance{}, fmt.Errorf("%w: stored balance for %s is inconsistent", ErrInvariantViolation, accountID)
		}
		l.install(*stored)
		return *stored, nil
	case !errors.Is(err, model.ErrNotFound):
		return model.Balance{}, fmt.Errorf("load balance %s: %w", accountID, err)
	}

	fresh := model.Balance{
		AccountID: accountID,
		Currency:  l.currency,
		Total:     l.starting,
		Available: l.starting,
		Locked:    decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	if err := l.repo.SaveBalance(ctx, &fresh); err != nil {
		return model.Balance{}, fmt.Errorf("init balance %s: %w", accountID, err)
	}
	l.install(fresh)

	slog.Info("balance initialized",
		"account", accountID,
		"currency", l.currency,
		"amount", l.starting.String(),
	)
	return fresh, nil
}

func (l *Ledger) install(b model.Balance) {
	l.mu.Lock()
	l.balances[b.AccountID] = b
	l.mu.Unlock()
}
