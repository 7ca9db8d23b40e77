// Package reconcile keeps the ownership ledger honest against broker
// truth. It has two jobs: detect sales that happened outside the engine
// (a human selling from the same account) and back-fill recorded trades
// with actual fill data from broker trade history.
//
// Reconciliation only ever shrinks the ledger. Broker quantities above
// the ledger mean shares the engine never bought; those stay untracked.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/allocator"
	"github.com/satyamallipudi/qms-trading-bot/internal/broker"
	"github.com/satyamallipudi/qms-trading-bot/internal/ledger"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

const (
	// matchTolerance is how far a broker fill timestamp may drift from the
	// recorded submission time and still match on symbol+action.
	matchTolerance = time.Hour

	// unfilledGrace is how long a recorded trade may go unmatched before it
	// is reported as unfilled. Fresh submissions often have not hit the
	// broker's activity feed yet.
	unfilledGrace = 24 * time.Hour

	// historyLookback bounds how far back trade matching reaches.
	historyLookback = 7 * 24 * time.Hour
)

// Reconciler compares ledger state against the broker.
type Reconciler struct {
	store  store.Store
	broker broker.Broker
	log    *slog.Logger
}

func New(st store.Store, br broker.Broker) *Reconciler {
	return &Reconciler{store: st, broker: br, log: slog.Default().With("component", "reconcile")}
}

// DetectExternalSales walks one portfolio's ledger against its apportioned
// broker view. Where the broker holds fewer shares than the ledger claims,
// the difference is recorded as an external sale with proceeds estimated
// at the current market price, and the ledger record shrinks to broker
// truth. Mismatches never abort the pass; each symbol is independent.
func (r *Reconciler) DetectExternalSales(ctx context.Context, portfolio string, view *allocator.View) (model.ReconcileReport, error) {
	var report model.ReconcileReport

	records, err := r.store.ListOwnership(ctx, portfolio)
	if err != nil {
		return report, fmt.Errorf("reconcile: list ownership for %s: %w", portfolio, err)
	}

	for i := range records {
		rec := records[i]
		brokerQty := view.Apportioned[rec.Symbol]
		if brokerQty.GreaterThanOrEqual(rec.Quantity.Sub(ledger.Epsilon)) {
			continue
		}

		soldQty := rec.Quantity.Sub(brokerQty)
		now := time.Now().UTC()

		sale := model.ExternalSaleRecord{
			ID:                uuid.NewString(),
			Portfolio:         portfolio,
			Symbol:            rec.Symbol,
			Quantity:          soldQty,
			EstimatedProceeds: r.estimateProceeds(ctx, &rec, soldQty),
			DetectedAt:        now,
		}
		if err := r.store.InsertExternalSale(ctx, &sale); err != nil {
			r.log.Error("record external sale", "portfolio", portfolio, "symbol", rec.Symbol, "error", err)
			continue
		}

		if shrunk := ledger.Shrink(&rec, brokerQty, now); shrunk != nil {
			err = r.store.PutOwnership(ctx, shrunk)
		} else {
			err = r.store.DeleteOwnership(ctx, portfolio, rec.Symbol)
		}
		if err != nil {
			r.log.Error("shrink ledger after external sale", "portfolio", portfolio, "symbol", rec.Symbol, "error", err)
			continue
		}

		r.log.Warn("external sale detected",
			"portfolio", portfolio,
			"symbol", rec.Symbol,
			"sold_qty", soldQty,
			"remaining_qty", brokerQty,
			"estimated_proceeds", sale.EstimatedProceeds,
		)
		report.ExternalSales = append(report.ExternalSales, sale)
	}

	return report, nil
}

// estimateProceeds prices an external sale at the current market. When the
// price lookup fails the average cost basis stands in, logged as degraded.
func (r *Reconciler) estimateProceeds(ctx context.Context, rec *model.OwnershipRecord, qty decimal.Decimal) decimal.Decimal {
	price, err := r.broker.GetCurrentPrice(ctx, rec.Symbol)
	if err != nil || !price.IsPositive() {
		r.log.Warn("price lookup failed, estimating proceeds at cost basis",
			"symbol", rec.Symbol, "error", err)
		price = rec.AvgCost()
	}
	return qty.Mul(price).Round(2)
}

// MatchTradeHistory pairs recorded trades with broker fills over the last
// seven days and back-fills actual quantity and price. Matching is
// best-effort and purely informational: unmatched records on either side
// are counted, logged, and never block a run.
func (r *Reconciler) MatchTradeHistory(ctx context.Context) (model.TradeMatchReport, error) {
	var report model.TradeMatchReport

	since := time.Now().UTC().Add(-historyLookback)
	fills, err := r.broker.GetTradeHistory(ctx, since)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch trade history: %w", err)
	}
	recorded, err := r.store.ListTradesSince(ctx, since)
	if err != nil {
		return report, fmt.Errorf("reconcile: list recorded trades: %w", err)
	}

	// Oldest first so repeated fills pair with the earliest candidate.
	sort.Slice(recorded, func(i, j int) bool {
		return recorded[i].SubmittedAt.Before(recorded[j].SubmittedAt)
	})

	claimed := make(map[int]bool, len(fills))
	for i := range recorded {
		rec := &recorded[i]
		if rec.ReconciledAt != nil {
			// Its fill is already attributed; keep the fill off the market
			// for other records.
			for j := range fills {
				if !claimed[j] && rec.BrokerTradeID != "" && fills[j].TradeID == rec.BrokerTradeID {
					claimed[j] = true
					break
				}
			}
			continue
		}

		j := matchFill(rec, fills, claimed)
		if j < 0 {
			if time.Since(rec.SubmittedAt) > unfilledGrace {
				r.log.Warn("recorded trade has no broker fill",
					"trade_id", rec.ID, "symbol", rec.Symbol, "action", rec.Action,
					"submitted_at", rec.SubmittedAt)
				report.Unfilled++
			}
			continue
		}

		claimed[j] = true
		fill := fills[j]
		if err := r.store.ReconcileTrade(ctx, rec.ID, fill.Quantity, fill.Price, fill.TradeID, time.Now().UTC()); err != nil {
			r.log.Error("back-fill trade", "trade_id", rec.ID, "error", err)
			continue
		}
		report.Updated++
	}

	for j := range fills {
		if !claimed[j] {
			r.log.Info("broker fill has no recorded trade",
				"broker_trade_id", fills[j].TradeID, "symbol", fills[j].Symbol,
				"action", fills[j].Action, "filled_at", fills[j].Timestamp)
			report.Missing++
		}
	}

	return report, nil
}

// matchFill finds the unclaimed fill for a recorded trade: broker trade id
// first, then symbol+action with a timestamp inside the tolerance window.
// Returns -1 when nothing matches.
func matchFill(rec *model.TradeRecord, fills []broker.Trade, claimed map[int]bool) int {
	if rec.BrokerTradeID != "" {
		for j := range fills {
			if !claimed[j] && fills[j].TradeID == rec.BrokerTradeID {
				return j
			}
		}
	}

	best := -1
	var bestDrift time.Duration
	for j := range fills {
		if claimed[j] || fills[j].Symbol != rec.Symbol || fills[j].Action != rec.Action {
			continue
		}
		drift := fills[j].Timestamp.Sub(rec.SubmittedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > matchTolerance {
			continue
		}
		if best < 0 || drift < bestDrift {
			best, bestDrift = j, drift
		}
	}
	return best
}
