package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// schema is applied by EnsureSchema. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS balances (
	account_id  TEXT PRIMARY KEY,
	currency    TEXT NOT NULL,
	total       NUMERIC NOT NULL CHECK (total >= 0),
	available   NUMERIC NOT NULL CHECK (available >= 0),
	locked      NUMERIC NOT NULL CHECK (locked >= 0),
	updated_at  TIMESTAMPTZ NOT NULL,
	CHECK (total = available + locked)
);

CREATE TABLE IF NOT EXISTS fills (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	account_id       TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	order_type       TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	quantity         NUMERIC NOT NULL,
	requested_price  NUMERIC NOT NULL,
	executed_price   NUMERIC NOT NULL,
	slippage_amount  NUMERIC NOT NULL,
	slippage_percent NUMERIC NOT NULL,
	fee_amount       NUMERIC NOT NULL,
	fee_percent      NUMERIC NOT NULL,
	realized_pnl     NUMERIC NOT NULL,
	grid_id          TEXT NOT NULL DEFAULT '',
	is_paper_trade   BOOLEAN NOT NULL DEFAULT TRUE,
	executed_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_account_idx ON fills (account_id, seq);

CREATE TABLE IF NOT EXISTS grids (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	base_price      NUMERIC NOT NULL,
	spacing         NUMERIC NOT NULL,
	mode            TEXT NOT NULL,
	levels          JSONB NOT NULL,
	status          TEXT NOT NULL,
	realized_profit NUMERIC NOT NULL,
	total_profit    NUMERIC NOT NULL,
	inventory_qty   NUMERIC NOT NULL,
	inventory_cost  NUMERIC NOT NULL,
	last_price      NUMERIC NOT NULL,
	status_reason   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS grids_account_idx ON grids (account_id, created_at);
CREATE INDEX IF NOT EXISTS grids_active_idx ON grids (symbol) WHERE status = 'ACTIVE';
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	var b model.Balance
	var total, available, locked string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, currency, total::TEXT, available::TEXT, locked::TEXT, updated_at
		 FROM balances WHERE account_id = $1`, accountID).
		Scan(&b.AccountID, &b.Currency, &total, &available, &locked, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("balance %s: %w", accountID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", accountID, err)
	}

	b.Total, _ = decimal.NewFromString(total)
	b.Available, _ = decimal.NewFromString(available)
	b.Locked, _ = decimal.NewFromString(locked)
	return &b, nil
}

func (s *PostgresStore) SaveBalance(ctx context.Context, b *model.Balance) error {
	return saveBalance(ctx, s.pool, b)
}

func saveBalance(ctx context.Context, db execer, b *model.Balance) error {
	_, err := db.Exec(ctx,
		`INSERT INTO balances (account_id, currency, total, available, locked, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (account_id) DO UPDATE
		 SET currency = EXCLUDED.currency, total = EXCLUDED.total,
		     available = EXCLUDED.available, locked = EXCLUDED.locked,
		     updated_at = EXCLUDED.updated_at`,
		b.AccountID, b.Currency,
		b.Total.String(), b.Available.String(), b.Locked.String(),
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save balance %s: %w", b.AccountID, err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM balances ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Commit writes the fill, balance and grid in one SQL transaction.
func (s *PostgresStore) Commit(ctx context.Context, c *Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	f := c.Fill
	_, err = tx.Exec(ctx,
		`INSERT INTO fills (id, account_id, symbol, side, order_type, exchange,
		                    quantity, requested_price, executed_price,
		                    slippage_amount, slippage_percent, fee_amount, fee_percent,
		                    realized_pnl, grid_id, is_paper_trade, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15, $16, $17)`,
		f.ID, f.AccountID, f.Symbol, f.Side, f.Type, f.Exchange,
		f.Quantity.String(), f.RequestedPrice.String(), f.ExecutedPrice.String(),
		f.SlippageAmount.String(), f.SlippagePercent.String(), f.FeeAmount.String(), f.FeePercent.String(),
		f.RealizedPnL.String(), f.GridID, f.IsPaperTrade, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}

	if err := saveBalance(ctx, tx, &c.Balance); err != nil {
		return err
	}
	if c.Grid != nil {
		if err := saveGrid(ctx, tx, c.Grid); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListFills(ctx context.Context, accountID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side, order_type, exchange,
		        quantity::TEXT, requested_price::TEXT, executed_price::TEXT,
		        slippage_amount::TEXT, slippage_percent::TEXT, fee_amount::TEXT, fee_percent::TEXT,
		        realized_pnl::TEXT, grid_id, is_paper_trade, executed_at
		 FROM fills WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var qty, reqPrice, execPrice, slipAmt, slipPct, feeAmt, feePct, pnl string

		if err := rows.Scan(&f.ID, &f.AccountID, &f.Symbol, &f.Side, &f.Type, &f.Exchange,
			&qty, &reqPrice, &execPrice,
			&slipAmt, &slipPct, &feeAmt, &feePct,
			&pnl, &f.GridID, &f.IsPaperTrade, &f.Timestamp); err != nil {
			return nil, err
		}

		f.Quantity, _ = decimal.NewFromString(qty)
		f.RequestedPrice, _ = decimal.NewFromString(reqPrice)
		f.ExecutedPrice, _ = decimal.NewFromString(execPrice)
		f.SlippageAmount, _ = decimal.NewFromString(slipAmt)
		f.SlippagePercent, _ = decimal.NewFromString(slipPct)
		f.FeeAmount, _ = decimal.NewFromString(feeAmt)
		f.FeePercent, _ = decimal.NewFromString(feePct)
		f.RealizedPnL, _ = decimal.NewFromString(pnl)

		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) SaveGrid(ctx context.Context, g *model.Grid) error {
	return saveGrid(ctx, s.pool, g)
}

func saveGrid(ctx context.Context, db execer, g *model.Grid) error {
	levels, err := json.Marshal(g.Levels)
	if err != nil {
		return fmt.Errorf("encode grid levels %s: %w", g.ID, err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO grids (id, account_id, symbol, exchange, strategy, base_price, spacing, mode,
		                    levels, status, realized_profit, total_profit, inventory_qty, inventory_cost,
		                    last_price, status_reason, created_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8,
		         $9::JSONB, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		         $15::NUMERIC, $16, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE
		 SET levels = EXCLUDED.levels, status = EXCLUDED.status,
		     realized_profit = EXCLUDED.realized_profit, total_profit = EXCLUDED.total_profit,
		     inventory_qty = EXCLUDED.inventory_qty, inventory_cost = EXCLUDED.inventory_cost,
		     last_price = EXCLUDED.last_price, status_reason = EXCLUDED.status_reason,
		     updated_at = EXCLUDED.updated_at, closed_at = EXCLUDED.closed_at`,
		g.ID, g.AccountID, g.Symbol, g.Exchange, g.Strategy,
		g.BasePrice.String(), g.Spacing.String(), g.Mode,
		string(levels), g.Status,
		g.RealizedProfit.String(), g.TotalProfit.String(),
		g.InventoryQty.String(), g.InventoryCost.String(),
		g.LastPrice.String(), g.StatusReason,
		g.CreatedAt, g.UpdatedAt, g.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save grid %s: %w", g.ID, err)
	}
	return nil
}

const gridColumns = `id, account_id, symbol, exchange, strategy, base_price::TEXT, spacing::TEXT, mode,
	levels::TEXT, status, realized_profit::TEXT, total_profit::TEXT, inventory_qty::TEXT,
	inventory_cost::TEXT, last_price::TEXT, status_reason, created_at, updated_at, closed_at`

func (s *PostgresStore) GetGrid(ctx context.Context, id string) (*model.Grid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+gridColumns+` FROM grids WHERE id = $1`, id)
	g, err := scanGrid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("grid %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get grid %s: %w", id, err)
	}
	return g, nil
}

func (s *PostgresStore) ListGrids(ctx context.Context, accountID string) ([]model.Grid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+gridColumns+` FROM grids WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrids(rows)
}

func (s *PostgresStore) ListActiveGrids(ctx context.Context, symbol string) ([]model.Grid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+gridColumns+` FROM grids WHERE symbol = $1 AND status = 'ACTIVE' ORDER BY created_at, id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrids(rows)
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanGrids(rows pgxRows) ([]model.Grid, error) {
	var grids []model.Grid
	for rows.Next() {
		g, err := scanGrid(rows)
		if err != nil {
			return nil, err
		}
		grids = append(grids, *g)
	}
	return grids, rows.Err()
}

func scanGrid(row pgx.Row) (*model.Grid, error) {
	var g model.Grid
	var base, spacing, levels, realized, total, invQty, invCost, last string
	var closedAt *time.Time

	if err := row.Scan(&g.ID, &g.AccountID, &g.Symbol, &g.Exchange, &g.Strategy,
		&base, &spacing, &g.Mode,
		&levels, &g.Status, &realized, &total, &invQty,
		&invCost, &last, &g.StatusReason, &g.CreatedAt, &g.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(levels), &g.Levels); err != nil {
		return nil, fmt.Errorf("decode grid levels %s: %w", g.ID, err)
	}
	g.BasePrice, _ = decimal.NewFromString(base)
	g.Spacing, _ = decimal.NewFromString(spacing)
	g.RealizedProfit, _ = decimal.NewFromString(realized)
	g.TotalProfit, _ = decimal.NewFromString(total)
	g.InventoryQty, _ = decimal.NewFromString(invQty)
	g.InventoryCost, _ = decimal.NewFromString(invCost)
	g.LastPrice, _ = decimal.NewFromString(last)
	g.ClosedAt = closedAt
	return &g, nil
}
