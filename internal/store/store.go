// Package store defines the persistence interface for the rebalancing
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (testing and the "no persistence
// configured" single-portfolio mode).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The ownership ledger is the single
// source of truth for what the engine owns; every trade write mutates the
// ledger atomically in RecordTrade.
type Store interface {
	// --- Ownership ledger ---

	// GetOwnership retrieves one portfolio's record for a symbol.
	GetOwnership(ctx context.Context, portfolio, symbol string) (*model.OwnershipRecord, error)

	// ListOwnership returns all of one portfolio's records.
	ListOwnership(ctx context.Context, portfolio string) ([]model.OwnershipRecord, error)

	// ListAllOwnership returns every record across all portfolios. The
	// allocator needs the full cross-portfolio snapshot before apportioning.
	ListAllOwnership(ctx context.Context) ([]model.OwnershipRecord, error)

	// PutOwnership upserts a record. Used by reconciliation shrinks only;
	// trade-driven mutations go through RecordTrade.
	PutOwnership(ctx context.Context, rec *model.OwnershipRecord) error

	// DeleteOwnership removes a fully-sold record.
	DeleteOwnership(ctx context.Context, portfolio, symbol string) error

	// --- Trades ---

	// RecordTrade appends a trade record and applies the matching ledger
	// mutation. Both happen or neither does.
	RecordTrade(ctx context.Context, t *model.TradeRecord) error

	// ListTradesSince returns trades submitted at or after the cutoff.
	ListTradesSince(ctx context.Context, since time.Time) ([]model.TradeRecord, error)

	// HasTraded reports whether the portfolio has ever recorded a trade.
	HasTraded(ctx context.Context, portfolio string) (bool, error)

	// ReconcileTrade back-fills actual fill data on a matched record.
	ReconcileTrade(ctx context.Context, id string, actualQty, actualPrice decimal.Decimal, brokerTradeID string, at time.Time) error

	// --- External sales ---

	// InsertExternalSale records a detected outside-the-engine sale.
	InsertExternalSale(ctx context.Context, s *model.ExternalSaleRecord) error

	// ListUnconsumedExternalSales returns sales whose proceeds have not yet
	// funded a buy, for one portfolio.
	ListUnconsumedExternalSales(ctx context.Context, portfolio string) ([]model.ExternalSaleRecord, error)

	// ConsumeExternalSales flips used_for_reinvestment on the given ids.
	ConsumeExternalSales(ctx context.Context, ids []string, at time.Time) error

	// --- Leaderboard snapshots ---

	// SaveSnapshot persists the top-N captured by a successful run.
	SaveSnapshot(ctx context.Context, s *model.LeaderboardSnapshot) error

	// GetSnapshot returns the last persisted top-N for an index, or
	// ErrNotFound before the first successful run.
	GetSnapshot(ctx context.Context, indexID string) (*model.LeaderboardSnapshot, error)
}
