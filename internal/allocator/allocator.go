// Package allocator apportions broker-side truth across portfolios that
// hold overlapping symbols.
//
// The broker reports one aggregate position per symbol for the whole
// account. When two portfolios both track MSFT, each one's planner must see
// only its own fraction — otherwise both would try to sell the full
// holding. The allocator computes each portfolio's ownership fraction
// (ledger quantity over the summed ledger quantity of every portfolio
// tracking the symbol) and splits broker quantities by it, rounded so the
// apportioned sum never exceeds the broker total.
//
// Rounding rule: each share is floored at Precision decimal places and the
// leftover is handed out one step at a time to the largest fractional
// remainder, ties broken by portfolio name ascending. Deterministic, and
// Σ apportioned ≤ broker total always holds.
package allocator

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// DefaultPrecision is the share-quantity precision used for apportioning.
// Brokers that support fractional shares quote at most 6 decimal places.
const DefaultPrecision = 6

// View is one portfolio's disaggregated slice of the broker account. Its
// planner and reconciler run against this as if the portfolio held only
// its own fraction.
type View struct {
	// Owned is the portfolio's ledger, symbol → tracked quantity.
	Owned map[string]decimal.Decimal

	// Apportioned is the portfolio's fraction of the broker quantity for
	// each symbol it tracks.
	Apportioned map[string]decimal.Decimal

	// Untracked holds broker positions with no ledger entry in any
	// portfolio: visible as "held, not bot-owned".
	Untracked map[string]decimal.Decimal
}

// Allocator apportions broker positions across portfolios.
type Allocator struct {
	// Precision is the decimal-place floor used when splitting quantities.
	Precision int32
}

// New creates an allocator with DefaultPrecision.
func New() *Allocator {
	return &Allocator{Precision: DefaultPrecision}
}

// Views builds each portfolio's apportioned view from the full
// cross-portfolio ledger snapshot and the broker's aggregate positions.
// Every name in portfolios gets a view, including empty ones.
func (a *Allocator) Views(brokerPositions map[string]decimal.Decimal, records []model.OwnershipRecord, portfolios []string) map[string]*View {
	views := make(map[string]*View, len(portfolios))
	for _, name := range portfolios {
		views[name] = &View{
			Owned:       make(map[string]decimal.Decimal),
			Apportioned: make(map[string]decimal.Decimal),
			Untracked:   make(map[string]decimal.Decimal),
		}
	}

	// Group ledger quantities per symbol across portfolios.
	bySymbol := make(map[string]map[string]decimal.Decimal)
	for _, rec := range records {
		v, ok := views[rec.Portfolio]
		if !ok {
			continue // disabled portfolio's records stay out of scope
		}
		v.Owned[rec.Symbol] = rec.Quantity

		m, ok := bySymbol[rec.Symbol]
		if !ok {
			m = make(map[string]decimal.Decimal)
			bySymbol[rec.Symbol] = m
		}
		m[rec.Portfolio] = rec.Quantity
	}

	// Apportion broker truth for tracked symbols.
	for symbol, weights := range bySymbol {
		brokerQty := brokerPositions[symbol] // zero when fully sold externally
		for portfolio, share := range a.Split(brokerQty, weights) {
			views[portfolio].Apportioned[symbol] = share
		}
	}

	// Broker positions nobody tracks are externally held; every portfolio
	// sees them in full.
	for symbol, qty := range brokerPositions {
		if _, tracked := bySymbol[symbol]; !tracked {
			for _, v := range views {
				v.Untracked[symbol] = qty
			}
		}
	}

	return views
}

// Split divides total among the weighted keys proportionally, flooring at
// Precision and assigning the remainder by largest fractional remainder
// (ties by key ascending). The returned shares never sum above total.
func (a *Allocator) Split(total decimal.Decimal, weights map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(weights))

	sum := decimal.Zero
	for _, w := range weights {
		if w.IsPositive() {
			sum = sum.Add(w)
		}
	}
	if !sum.IsPositive() || !total.IsPositive() {
		for key := range weights {
			out[key] = decimal.Zero
		}
		return out
	}

	type share struct {
		key     string
		floored decimal.Decimal
		frac    decimal.Decimal
	}

	keys := make([]string, 0, len(weights))
	for key := range weights {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	shares := make([]share, 0, len(keys))
	assigned := decimal.Zero
	for _, key := range keys {
		w := weights[key]
		if !w.IsPositive() {
			out[key] = decimal.Zero
			continue
		}
		raw := total.Mul(w).Div(sum)
		floored := raw.Truncate(a.Precision)
		assigned = assigned.Add(floored)
		shares = append(shares, share{key: key, floored: floored, frac: raw.Sub(floored)})
	}

	// Hand out the remainder one precision-step at a time, largest
	// fractional remainder first. Keys are pre-sorted, so sorting stably
	// by fraction keeps ties deterministic by name.
	step := decimal.New(1, -a.Precision)
	remainder := total.Truncate(a.Precision).Sub(assigned)
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].frac.GreaterThan(shares[j].frac)
	})
	for i := 0; remainder.GreaterThanOrEqual(step); i++ {
		shares[i%len(shares)].floored = shares[i%len(shares)].floored.Add(step)
		remainder = remainder.Sub(step)
	}

	for _, s := range shares {
		out[s.key] = s.floored
	}
	return out
}

// Fraction returns one portfolio's ownership fraction of a symbol given
// the cross-portfolio ledger snapshot. Zero when untracked.
func Fraction(records []model.OwnershipRecord, portfolio, symbol string) decimal.Decimal {
	total := decimal.Zero
	own := decimal.Zero
	for _, rec := range records {
		if rec.Symbol != symbol {
			continue
		}
		total = total.Add(rec.Quantity)
		if rec.Portfolio == portfolio {
			own = rec.Quantity
		}
	}
	if !total.IsPositive() {
		return decimal.Zero
	}
	return own.Div(total)
}
