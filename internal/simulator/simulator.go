// Package simulator turns order requests into filled paper trades.
//
// A simulation validates the request, prices it through the slippage and fee
// models, and then, under the account's ledger lock, moves funds, derives the
// position change and durably commits the fill. Either every effect is
// observable afterwards or none is.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/correlation"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/slippage"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/symbol"
)

var (
	// ErrInvalidOrder is a client error: the request is malformed.
	ErrInvalidOrder = model.ErrInvalidOrder

	// ErrInsufficientFunds is a client error: the buy costs more than the
	// available balance.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds

	// ErrInsufficientPosition is a client error: the sell exceeds the held
	// quantity and short selling is disabled.
	ErrInsufficientPosition = errors.New("simulator: sell exceeds held position")

	// ErrPositionLimit is a client error: the order breaches an exposure limit.
	ErrPositionLimit = errors.New("simulator: position limit exceeded")

	// ErrInvariantViolation is an internal error and always a bug.
	ErrInvariantViolation = ledger.ErrInvariantViolation
)

// MarkPricer supplies the latest market price for a symbol.
type MarkPricer interface {
	LatestMarkPrice(symbol string) (decimal.Decimal, error)
}

// Publisher receives fills after they are committed.
type Publisher interface {
	PublishFill(fill model.Fill)
}

// Hook runs inside the fill's transaction, after funds have been staged and
// before the commit. It may return a grid to be committed atomically with
// the fill; an error aborts the whole simulation.
type Hook func(fill model.Fill) (*model.Grid, error)

// Option configures a Simulator.
type Option func(*Simulator)

// WithLimiter enables exposure limits.
func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(s *Simulator) { s.limiter = l }
}

// WithPublisher sets the fill publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Simulator) { s.publisher = p }
}

// WithAllowShort lets sells open or extend short positions.
func WithAllowShort(allow bool) Option {
	return func(s *Simulator) { s.allowShort = allow }
}

// WithClock overrides the fill timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// Simulator executes paper orders. Safe for concurrent use; work on one
// account is serialized by the ledger.
type Simulator struct {
	store      store.Store
	ledger     *ledger.Ledger
	fees       *fees.Model
	slippage   *slippage.Model
	prices     MarkPricer
	limiter    *correlation.PositionLimiter
	publisher  Publisher
	allowShort bool
	now        func() time.Time

	mu    sync.Mutex
	books map[string]*position.Book
}

// New creates a simulator. prices may be nil, in which case market orders
// must carry a reference price.
func New(st store.Store, l *ledger.Ledger, fm *fees.Model, sm *slippage.Model, prices MarkPricer, opts ...Option) *Simulator {
	s := &Simulator{
		store:    st,
		ledger:   l,
		fees:     fm,
		slippage: sm,
		prices:   prices,
		now:      func() time.Time { return time.Now().UTC() },
		books:    make(map[string]*position.Book),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns the ledger the simulator settles against.
func (s *Simulator) Ledger() *ledger.Ledger {
	return s.ledger
}

// Simulate executes req for accountID and returns the committed fill.
func (s *Simulator) Simulate(ctx context.Context, accountID string, req model.OrderRequest) (*model.Fill, error) {
	return s.execute(ctx, accountID, req, "", nil)
}

// SimulateForGrid executes req on behalf of a grid. hook runs inside the
// fill's transaction so the grid's level state commits with the fill.
func (s *Simulator) SimulateForGrid(ctx context.Context, accountID, gridID string, req model.OrderRequest, hook Hook) (*model.Fill, error) {
	return s.execute(ctx, accountID, req, gridID, hook)
}

func (s *Simulator) execute(ctx context.Context, accountID string, req model.OrderRequest, gridID string, hook Hook) (*model.Fill, error) {
	start := time.Now()

	fill, err := s.price(accountID, req)
	if err != nil {
		s.reject(accountID, req, err)
		return nil, err
	}
	fill.GridID = gridID

	_, err = s.ledger.Do(ctx, accountID, func(tx *ledger.Tx) error {
		book, err := s.book(ctx, accountID)
		if err != nil {
			return err
		}

		change := book.Preview(*fill)
		if fill.Side == model.SideSell && !s.allowShort && change.Position.Size.IsNegative() {
			return fmt.Errorf("%w: selling %s %s, holding %s",
				ErrInsufficientPosition, fill.Quantity, fill.Symbol, book.Get(fill.Symbol).Size)
		}
		if err := s.checkLimits(book, fill); err != nil {
			return err
		}

		if err := settle(tx, fill); err != nil {
			return err
		}
		fill.RealizedPnL = change.Realized

		var grid *model.Grid
		if hook != nil {
			if grid, err = hook(*fill); err != nil {
				return err
			}
		}

		if err := s.store.Commit(ctx, &store.Commit{Fill: *fill, Balance: tx.Balance(), Grid: grid}); err != nil {
			return fmt.Errorf("commit fill %s: %w", fill.ID, err)
		}
		tx.MarkPersisted()
		book.Commit(change)
		return nil
	})
	if err != nil {
		s.reject(accountID, req, err)
		return nil, err
	}

	metrics.FillsTotal.WithLabelValues(string(fill.Side), fill.Exchange).Inc()
	metrics.FeesTotal.WithLabelValues(fill.Exchange).Add(fill.FeeAmount.InexactFloat64())
	metrics.SimulationLatency.WithLabelValues(string(fill.Side)).Observe(time.Since(start).Seconds())
	if fill.Type == model.OrderMarket {
		metrics.SlippagePercent.Observe(fill.SlippagePercent.InexactFloat64())
	}

	slog.Info("paper order filled",
		"fill_id", fill.ID,
		"account", accountID,
		"symbol", fill.Symbol,
		"side", fill.Side,
		"type", fill.Type,
		"qty", fill.Quantity.String(),
		"requested_price", fill.RequestedPrice.String(),
		"executed_price", fill.ExecutedPrice.String(),
		"fee", fill.FeeAmount.String(),
		"realized_pnl", fill.RealizedPnL.String(),
		"grid", gridID,
	)

	if s.publisher != nil {
		s.publisher.PublishFill(*fill)
	}
	return fill, nil
}

// price validates the request and computes execution details. It touches no
// shared state.
func (s *Simulator) price(accountID string, req model.OrderRequest) (*model.Fill, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidOrder)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	reference := req.Price
	if reference.IsZero() {
		if s.prices == nil {
			return nil, fmt.Errorf("%w: no price given and no market data", ErrInvalidOrder)
		}
		mark, err := s.prices.LatestMarkPrice(sym)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		reference = mark
	}

	exec := slippage.Result{ExecutedPrice: reference}
	if req.Type == model.OrderMarket {
		exec = s.slippage.Slip(reference, req.Quantity, req.Side, req.Conditions)
	}
	fee := s.fees.Fee(req.Quantity, exec.ExecutedPrice, req.Exchange)

	return &model.Fill{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		Symbol:          sym,
		Side:            req.Side,
		Type:            req.Type,
		Exchange:        strings.ToLower(strings.TrimSpace(req.Exchange)),
		Quantity:        req.Quantity,
		RequestedPrice:  reference,
		ExecutedPrice:   exec.ExecutedPrice,
		SlippageAmount:  exec.SlippageAmount,
		SlippagePercent: exec.SlippagePercent,
		FeeAmount:       fee.Amount,
		FeePercent:      fee.Percent,
		RealizedPnL:     decimal.Zero,
		IsPaperTrade:    true,
		Timestamp:       s.now(),
	}, nil
}

// settle stages the cash leg of a fill. Buys reserve notional + fee and
// settle the reservation; sells credit notional − fee.
func settle(tx *ledger.Tx, fill *model.Fill) error {
	notional := fill.Notional().Round(model.MoneyScale)

	if fill.Side == model.SideBuy {
		required := notional.Add(fill.FeeAmount)
		if err := tx.Reserve(required); err != nil {
			return err
		}
		return tx.Settle(required, ledger.Debit, required)
	}

	proceeds := notional.Sub(fill.FeeAmount)
	if proceeds.IsNegative() {
		return tx.Debit(proceeds.Neg())
	}
	return tx.Credit(proceeds)
}

func (s *Simulator) checkLimits(book *position.Book, fill *model.Fill) error {
	if !s.limiter.Enabled() {
		return nil
	}
	exposures := make(map[string]decimal.Decimal)
	for _, p := range book.Positions(s.mark) {
		exposures[p.Symbol] = p.Size.Mul(p.MarkPrice)
	}
	delta := fill.Notional().Mul(fill.Side.Sign())
	if err := s.limiter.CheckLimit(fill.Symbol, delta, exposures); err != nil {
		return fmt.Errorf("%w: %v", ErrPositionLimit, err)
	}
	return nil
}

// book returns the account's position book, replaying the fill history on
// first use. Caller must hold the account lock.
func (s *Simulator) book(ctx context.Context, accountID string) (*position.Book, error) {
	s.mu.Lock()
	b, ok := s.books[accountID]
	s.mu.Unlock()
	if ok {
		return b, nil
	}

	fills, err := s.store.ListFills(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load fill history %s: %w", accountID, err)
	}
	b = position.Replay(accountID, fills)

	s.mu.Lock()
	s.books[accountID] = b
	s.mu.Unlock()
	return b, nil
}

func (s *Simulator) mark(sym string) (decimal.Decimal, bool) {
	if s.prices == nil {
		return decimal.Zero, false
	}
	p, err := s.prices.LatestMarkPrice(sym)
	return p, err == nil
}

func (s *Simulator) reject(accountID string, req model.OrderRequest, err error) {
	reason := Reason(err)
	metrics.OrderRejections.WithLabelValues(reason).Inc()

	if reason == "invariant_violation" {
		metrics.InvariantViolations.Inc()
		slog.Error("paper order aborted by ledger invariant violation",
			"account", accountID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity.String(),
			"price", req.Price.String(),
			"err", err,
		)
		return
	}
	slog.Warn("paper order rejected",
		"account", accountID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"reason", reason,
		"err", err,
	)
}

// Reason classifies a simulation error for metrics and transport mapping.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrPositionLimit):
		return "position_limit"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}
