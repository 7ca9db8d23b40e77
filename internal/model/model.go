// Package model defines the core domain types shared across the rebalancing
// engine. All monetary values and share quantities use shopspring/decimal —
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of a trade.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// OwnershipRecord tracks the quantity and cost basis of a symbol that the
// engine itself purchased for one portfolio. A record exists only while
// Quantity > 0; it is deleted once the position is fully sold.
type OwnershipRecord struct {
	Portfolio string          `json:"portfolio" db:"portfolio"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"` // average-cost basis
	FirstBuy  time.Time       `json:"first_buy" db:"first_buy"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AvgCost returns the per-share cost basis, or zero for an empty record.
func (r *OwnershipRecord) AvgCost() decimal.Decimal {
	if r.Quantity.IsZero() {
		return decimal.Zero
	}
	return r.TotalCost.Div(r.Quantity)
}

// TradeRecord is the engine's record of one submitted order. It is created
// at order-submission confirmation, not fill confirmation, so quantity and
// price reflect the submission; the Actual* fields are back-filled later by
// trade-history reconciliation and are the only mutable part of the record.
type TradeRecord struct {
	ID            string          `json:"id" db:"id"`
	Portfolio     string          `json:"portfolio" db:"portfolio"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Action        Action          `json:"action" db:"action"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Total         decimal.Decimal `json:"total" db:"total"`
	SubmittedAt   time.Time       `json:"submitted_at" db:"submitted_at"`
	BrokerTradeID string          `json:"broker_trade_id,omitempty" db:"broker_trade_id"`

	// Reconciliation back-fill, nil until matched against broker history.
	ReconciledAt   *time.Time       `json:"reconciled_at,omitempty" db:"reconciled_at"`
	ActualQuantity *decimal.Decimal `json:"actual_quantity,omitempty" db:"actual_quantity"`
	ActualPrice    *decimal.Decimal `json:"actual_price,omitempty" db:"actual_price"`
}

// ExternalSaleRecord is created when reconciliation finds the broker holding
// fewer shares than the ledger — someone sold outside the engine. The
// estimated proceeds are carried forward until a later buy consumes them,
// at which point UsedForReinvestment flips to true.
type ExternalSaleRecord struct {
	ID                  string          `json:"id" db:"id"`
	Portfolio           string          `json:"portfolio" db:"portfolio"`
	Symbol              string          `json:"symbol" db:"symbol"`
	Quantity            decimal.Decimal `json:"quantity" db:"quantity"`
	EstimatedProceeds   decimal.Decimal `json:"estimated_proceeds" db:"estimated_proceeds"`
	UsedForReinvestment bool            `json:"used_for_reinvestment" db:"used_for_reinvestment"`
	DetectedAt          time.Time       `json:"detected_at" db:"detected_at"`
	ReinvestedAt        *time.Time      `json:"reinvested_at,omitempty" db:"reinvested_at"`
}

// LeaderboardSnapshot is the ordered top-N of one index captured during a
// run. The snapshot persisted by the last successful run becomes the
// "previous" side of the next run's diff.
type LeaderboardSnapshot struct {
	IndexID    string    `json:"index_id" db:"index_id"`
	Symbols    []string  `json:"symbols" db:"symbols"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
}

// PortfolioConfig describes one independently-capitalized portfolio.
type PortfolioConfig struct {
	Name           string          `json:"name" yaml:"name"`
	IndexID        string          `json:"index_id" yaml:"index_id"`
	InitialCapital decimal.Decimal `json:"initial_capital" yaml:"initial_capital"`
	Enabled        bool            `json:"enabled" yaml:"enabled"`
}

// PlanSell is one sell leg: full bot-owned quantity of a leaver.
type PlanSell struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PlanBuy is one buy leg: a notional amount to spend on a symbol.
type PlanBuy struct {
	Symbol   string          `json:"symbol"`
	Notional decimal.Decimal `json:"notional"`
}

// Plan is the terminal output of the planner for one portfolio. An empty
// plan (no sells, no buys) is a valid no-op result.
type Plan struct {
	Portfolio string     `json:"portfolio"`
	Sells     []PlanSell `json:"sells"`
	Buys      []PlanBuy  `json:"buys"`

	// ExternalSalesConsumed lists the ids of the ExternalSaleRecords whose
	// proceeds are folded into the buy legs.
	ExternalSalesConsumed []string `json:"external_sales_consumed,omitempty"`

	// EstimatedProceeds is the capital the buys were sized from: estimated
	// sale proceeds plus consumed external-sale proceeds.
	EstimatedProceeds decimal.Decimal `json:"estimated_proceeds"`

	// FirstRun marks the initial equal-weight allocation path.
	FirstRun bool `json:"first_run,omitempty"`
}

// SkippedLeg records one plan leg that did not execute and why.
type SkippedLeg struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ReconcileReport summarizes one portfolio's ledger-vs-broker pass. It is
// informational: mismatches never block trading.
type ReconcileReport struct {
	ExternalSales []ExternalSaleRecord `json:"external_sales,omitempty"`
}

// TradeMatchReport summarizes the best-effort matching of broker trade
// history against recorded trades.
type TradeMatchReport struct {
	Updated  int `json:"updated"`  // records back-filled with actual fill data
	Missing  int `json:"missing"`  // broker trades with no recorded counterpart
	Unfilled int `json:"unfilled"` // recorded trades unmatched after the grace period
}

// PortfolioResult is one portfolio's slice of a run.
type PortfolioResult struct {
	Portfolio string            `json:"portfolio"`
	IndexID   string            `json:"index_id"`
	Current   []string          `json:"current_top,omitempty"`
	Previous  []string          `json:"previous_top,omitempty"`
	Plan      *Plan             `json:"plan,omitempty"`
	Executed  []TradeRecord     `json:"executed,omitempty"`
	Skipped   []SkippedLeg      `json:"skipped,omitempty"`
	Reconcile ReconcileReport   `json:"reconcile"`
	Ledger    []OwnershipRecord `json:"ledger"` // final snapshot after execution
	Capital   decimal.Decimal   `json:"initial_capital"`
	Proceeds  decimal.Decimal   `json:"proceeds"`
	Spent     decimal.Decimal   `json:"spent"`
	Err       string            `json:"error,omitempty"` // portfolio-level failure, siblings unaffected
}

// RunSummary is the outcome of one ExecuteRebalance invocation. It always
// reports exactly what executed, what was skipped, and why.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DryRun     bool              `json:"dry_run"`
	TradeMatch TradeMatchReport  `json:"trade_match"`
	Portfolios []PortfolioResult `json:"portfolios"`
}
