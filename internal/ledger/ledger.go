// Package ledger implements the ownership-ledger mutation rules: how a
// buy or sell changes a portfolio's tracked quantity and cost basis.
//
// The functions here are pure; store implementations call them inside
// their own transaction or lock so the trade record and the ownership
// mutation land atomically. Cost basis uses the average-cost method: a
// partial sell removes the sold fraction of both quantity and cost.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// Epsilon is the share-quantity tolerance below which a position counts as
// fully sold. Fractional-share sells rarely land on exact zero.
var Epsilon = decimal.NewFromFloat(1e-6)

// ErrOversell is returned when a sell exceeds the tracked quantity. The
// ledger never goes negative; selling more than the bot owns is a caller
// bug or an unreconciled external sale.
var ErrOversell = errors.New("ledger: sell exceeds tracked quantity")

// Depleted reports whether a quantity is zero within Epsilon.
func Depleted(qty decimal.Decimal) bool {
	return qty.LessThanOrEqual(Epsilon)
}

// ApplyBuy returns the ownership record after a buy. rec may be nil for a
// first purchase. Quantity of zero is tolerated: some brokers confirm
// notional orders before the filled share count is known, in which case
// quantity is derived from total/price.
func ApplyBuy(rec *model.OwnershipRecord, t *model.TradeRecord) *model.OwnershipRecord {
	qty := t.Quantity
	if qty.IsZero() && t.Price.IsPositive() {
		qty = t.Total.Div(t.Price)
	}

	if rec == nil {
		return &model.OwnershipRecord{
			Portfolio: t.Portfolio,
			Symbol:    t.Symbol,
			Quantity:  qty,
			TotalCost: t.Total,
			FirstBuy:  t.SubmittedAt,
			UpdatedAt: t.SubmittedAt,
		}
	}

	out := *rec
	out.Quantity = rec.Quantity.Add(qty)
	out.TotalCost = rec.TotalCost.Add(t.Total)
	out.UpdatedAt = t.SubmittedAt
	return &out
}

// ApplySell returns the ownership record after a sell, or nil when the
// position is depleted and the record should be removed. The cost basis
// shrinks by the sold fraction.
func ApplySell(rec *model.OwnershipRecord, t *model.TradeRecord) (*model.OwnershipRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: %s/%s not tracked", ErrOversell, t.Portfolio, t.Symbol)
	}
	if t.Quantity.GreaterThan(rec.Quantity.Add(Epsilon)) {
		return nil, fmt.Errorf("%w: %s/%s owns %s, selling %s",
			ErrOversell, t.Portfolio, t.Symbol, rec.Quantity, t.Quantity)
	}

	remaining := rec.Quantity.Sub(t.Quantity)
	if Depleted(remaining) {
		return nil, nil
	}

	soldCost := rec.AvgCost().Mul(t.Quantity)
	out := *rec
	out.Quantity = remaining
	out.TotalCost = rec.TotalCost.Sub(soldCost)
	out.UpdatedAt = t.SubmittedAt
	return &out, nil
}

// Shrink reduces a record to the broker-reported quantity after an external
// sale was detected, scaling the cost basis by the remaining fraction.
// Returns nil when nothing remains. Broker truth only ever shrinks the
// ledger; growth without a recorded buy is an untracked holding.
func Shrink(rec *model.OwnershipRecord, brokerQty decimal.Decimal, at time.Time) *model.OwnershipRecord {
	if Depleted(brokerQty) {
		return nil
	}
	if brokerQty.GreaterThanOrEqual(rec.Quantity) {
		return rec
	}

	fraction := brokerQty.Div(rec.Quantity)
	out := *rec
	out.Quantity = brokerQty
	out.TotalCost = rec.TotalCost.Mul(fraction)
	out.UpdatedAt = at
	return &out
}
