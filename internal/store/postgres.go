package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/ledger"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected schema: ownership(portfolio, symbol, quantity, total_cost,
// first_buy, updated_at, PRIMARY KEY(portfolio, symbol)); trades(id,
// portfolio, symbol, action, quantity, price, total, submitted_at,
// broker_trade_id, reconciled_at, actual_quantity, actual_price);
// external_sales(id, portfolio, symbol, quantity, estimated_proceeds,
// used_for_reinvestment, detected_at, reinvested_at);
// leaderboard_snapshots(index_id PRIMARY KEY, symbols TEXT[], captured_at).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetOwnership(ctx context.Context, portfolio, symbol string) (*model.OwnershipRecord, error) {
	return scanOwnership(s.pool.QueryRow(ctx,
		`SELECT portfolio, symbol, quantity::TEXT, total_cost::TEXT, first_buy, updated_at
		 FROM ownership WHERE portfolio = $1 AND symbol = $2`, portfolio, symbol))
}

func (s *PostgresStore) ListOwnership(ctx context.Context, portfolio string) ([]model.OwnershipRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio, symbol, quantity::TEXT, total_cost::TEXT, first_buy, updated_at
		 FROM ownership WHERE portfolio = $1 ORDER BY symbol`, portfolio)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOwnershipRows(rows)
}

func (s *PostgresStore) ListAllOwnership(ctx context.Context) ([]model.OwnershipRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio, symbol, quantity::TEXT, total_cost::TEXT, first_buy, updated_at
		 FROM ownership ORDER BY portfolio, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOwnershipRows(rows)
}

func (s *PostgresStore) PutOwnership(ctx context.Context, rec *model.OwnershipRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ownership (portfolio, symbol, quantity, total_cost, first_buy, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (portfolio, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, total_cost = EXCLUDED.total_cost,
		     updated_at = EXCLUDED.updated_at`,
		rec.Portfolio, rec.Symbol, rec.Quantity.String(), rec.TotalCost.String(),
		rec.FirstBuy, rec.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteOwnership(ctx context.Context, portfolio, symbol string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ownership WHERE portfolio = $1 AND symbol = $2`, portfolio, symbol)
	return err
}

// RecordTrade inserts the trade and applies the ledger mutation inside one
// transaction, locking the ownership row for the duration.
func (s *PostgresStore) RecordTrade(ctx context.Context, t *model.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, portfolio, symbol, action, quantity, price, total, submitted_at, broker_trade_id)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, NULLIF($9, ''))`,
		t.ID, t.Portfolio, t.Symbol, string(t.Action),
		t.Quantity.String(), t.Price.String(), t.Total.String(),
		t.SubmittedAt, t.BrokerTradeID)
	if err != nil {
		return err
	}

	prev, err := scanOwnership(tx.QueryRow(ctx,
		`SELECT portfolio, symbol, quantity::TEXT, total_cost::TEXT, first_buy, updated_at
		 FROM ownership WHERE portfolio = $1 AND symbol = $2 FOR UPDATE`,
		t.Portfolio, t.Symbol))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	var next *model.OwnershipRecord
	switch t.Action {
	case model.Buy:
		next = ledger.ApplyBuy(prev, t)
	case model.Sell:
		next, err = ledger.ApplySell(prev, t)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("store: unknown action %q", t.Action)
	}

	if next == nil {
		_, err = tx.Exec(ctx,
			`DELETE FROM ownership WHERE portfolio = $1 AND symbol = $2`,
			t.Portfolio, t.Symbol)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO ownership (portfolio, symbol, quantity, total_cost, first_buy, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
			 ON CONFLICT (portfolio, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity, total_cost = EXCLUDED.total_cost,
			     updated_at = EXCLUDED.updated_at`,
			next.Portfolio, next.Symbol, next.Quantity.String(), next.TotalCost.String(),
			next.FirstBuy, next.UpdatedAt)
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio, symbol, action,
		        quantity::TEXT, price::TEXT, total::TEXT, submitted_at,
		        COALESCE(broker_trade_id, ''), reconciled_at,
		        actual_quantity::TEXT, actual_price::TEXT
		 FROM trades WHERE submitted_at >= $1 ORDER BY submitted_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var action, qtyS, priceS, totalS string
		var actualQtyS, actualPriceS *string

		if err := rows.Scan(&t.ID, &t.Portfolio, &t.Symbol, &action,
			&qtyS, &priceS, &totalS, &t.SubmittedAt,
			&t.BrokerTradeID, &t.ReconciledAt,
			&actualQtyS, &actualPriceS); err != nil {
			return nil, err
		}

		t.Action = model.Action(action)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Total, _ = decimal.NewFromString(totalS)
		if actualQtyS != nil {
			d, _ := decimal.NewFromString(*actualQtyS)
			t.ActualQuantity = &d
		}
		if actualPriceS != nil {
			d, _ := decimal.NewFromString(*actualPriceS)
			t.ActualPrice = &d
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) HasTraded(ctx context.Context, portfolio string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trades WHERE portfolio = $1)`, portfolio).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ReconcileTrade(ctx context.Context, id string, actualQty, actualPrice decimal.Decimal, brokerTradeID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET actual_quantity = $2::NUMERIC, actual_price = $3::NUMERIC,
		     reconciled_at = $4,
		     broker_trade_id = COALESCE(NULLIF($5, ''), broker_trade_id)
		 WHERE id = $1`,
		id, actualQty.String(), actualPrice.String(), at, brokerTradeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertExternalSale(ctx context.Context, sale *model.ExternalSaleRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_sales (id, portfolio, symbol, quantity, estimated_proceeds, used_for_reinvestment, detected_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		sale.ID, sale.Portfolio, sale.Symbol,
		sale.Quantity.String(), sale.EstimatedProceeds.String(),
		sale.UsedForReinvestment, sale.DetectedAt)
	return err
}

func (s *PostgresStore) ListUnconsumedExternalSales(ctx context.Context, portfolio string) ([]model.ExternalSaleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio, symbol, quantity::TEXT, estimated_proceeds::TEXT, used_for_reinvestment, detected_at, reinvested_at
		 FROM external_sales
		 WHERE portfolio = $1 AND used_for_reinvestment = FALSE
		 ORDER BY detected_at`, portfolio)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []model.ExternalSaleRecord
	for rows.Next() {
		var sale model.ExternalSaleRecord
		var qtyS, proceedsS string
		if err := rows.Scan(&sale.ID, &sale.Portfolio, &sale.Symbol,
			&qtyS, &proceedsS, &sale.UsedForReinvestment,
			&sale.DetectedAt, &sale.ReinvestedAt); err != nil {
			return nil, err
		}
		sale.Quantity, _ = decimal.NewFromString(qtyS)
		sale.EstimatedProceeds, _ = decimal.NewFromString(proceedsS)
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *PostgresStore) ConsumeExternalSales(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE external_sales
		 SET used_for_reinvestment = TRUE, reinvested_at = $2
		 WHERE id = ANY($1)`, ids, at)
	return err
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.LeaderboardSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leaderboard_snapshots (index_id, symbols, captured_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (index_id) DO UPDATE
		 SET symbols = EXCLUDED.symbols, captured_at = EXCLUDED.captured_at`,
		snap.IndexID, snap.Symbols, snap.CapturedAt)
	return err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, indexID string) (*model.LeaderboardSnapshot, error) {
	var snap model.LeaderboardSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT index_id, symbols, captured_at
		 FROM leaderboard_snapshots WHERE index_id = $1`, indexID).
		Scan(&snap.IndexID, &snap.Symbols, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", indexID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOwnership(row pgxRow) (*model.OwnershipRecord, error) {
	var rec model.OwnershipRecord
	var qtyS, costS string

	err := row.Scan(&rec.Portfolio, &rec.Symbol, &qtyS, &costS, &rec.FirstBuy, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Quantity, _ = decimal.NewFromString(qtyS)
	rec.TotalCost, _ = decimal.NewFromString(costS)
	return &rec, nil
}

func scanOwnershipRows(rows pgx.Rows) ([]model.OwnershipRecord, error) {
	var out []model.OwnershipRecord
	for rows.Next() {
		var rec model.OwnershipRecord
		var qtyS, costS string
		if err := rows.Scan(&rec.Portfolio, &rec.Symbol, &qtyS, &costS, &rec.FirstBuy, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Quantity, _ = decimal.NewFromString(qtyS)
		rec.TotalCost, _ = decimal.NewFromString(costS)
		out = append(out, rec)
	}
	return out, rows.Err()
}
