// Package planner turns a leaderboard diff into a trade plan for one
// portfolio. It is pure: all market and ledger state arrives in the
// Input, and the output Plan is data. Execution lives in the engine.
//
// Planning walks a small state machine — detecting changes, sizing
// sells, sizing buys — and always terminates in a plan, possibly an
// empty one. Running the planner twice against unchanged state yields
// an empty second plan.
package planner

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// state labels the planning phase, surfaced in debug logs.
type state string

const (
	stateIdle      state = "IDLE"
	stateDetecting state = "DETECTING_CHANGES"
	stateSelling   state = "SELLING"
	stateBuying    state = "BUYING"
	stateDone      state = "DONE"
)

// Input is everything the planner needs about one portfolio, assembled by
// the engine from the stores, the broker, and the leaderboard.
type Input struct {
	Portfolio      string
	InitialCapital decimal.Decimal

	// HasTraded is false until the portfolio's first recorded trade; the
	// first run takes the equal-weight allocation path.
	HasTraded bool

	// Current is the freshly-fetched top-N, in rank order. Previous is the
	// snapshot persisted by the last successful run, nil before it exists.
	Current  []string
	Previous []string

	// Owned is the portfolio's ledger quantity per symbol, post
	// reconciliation. Held is broker positions no portfolio tracks.
	Owned map[string]decimal.Decimal
	Held  map[string]decimal.Decimal

	// Prices are current market prices for the symbols the engine could
	// price. Sells with no price still execute; they just contribute
	// nothing to the estimated proceeds.
	Prices map[string]decimal.Decimal

	// ExternalSales are the unconsumed external-sale records whose
	// proceeds are available for reinvestment.
	ExternalSales []model.ExternalSaleRecord
}

// Build produces the trade plan for one portfolio.
//
// First run: every top-N symbol gets an equal slice of the initial
// capital (plus any unconsumed external proceeds). Steady state: owned
// symbols that left the top-N are sold in full, entrants are bought with
// an equal split of the estimated sale proceeds. External-sale proceeds
// are folded into the buy capital whenever the plan buys anything — that
// covers both buying back a symbol still in the top-N and funding the
// entrant that replaced a dropout.
func Build(in Input) *model.Plan {
	log := slog.Default().With("component", "planner", "portfolio", in.Portfolio)
	plan := &model.Plan{Portfolio: in.Portfolio}

	cur := stateIdle
	advance := func(next state) {
		log.Debug("state transition", "from", cur, "to", next)
		cur = next
	}

	advance(stateDetecting)

	current := make(map[string]bool, len(in.Current))
	for _, sym := range in.Current {
		current[sym] = true
	}

	if !in.HasTraded {
		plan.FirstRun = true
		buildFirstRun(in, plan)
		advance(stateDone)
		return plan
	}

	// Sell set: everything the ledger tracks that is no longer ranked.
	var sells []string
	for sym := range in.Owned {
		if !current[sym] {
			sells = append(sells, sym)
		}
	}
	sort.Strings(sells)

	// Buy set, in rank order: entrants, plus ranked symbols whose
	// externally-sold fraction has proceeds waiting to be reinvested.
	buyback := make(map[string]bool)
	for _, sale := range in.ExternalSales {
		buyback[sale.Symbol] = true
	}
	var buys []string
	for _, sym := range in.Current {
		_, owned := in.Owned[sym]
		if !owned || buyback[sym] {
			buys = append(buys, sym)
		}
	}

	advance(stateSelling)
	proceeds := decimal.Zero
	for _, sym := range sells {
		qty := in.Owned[sym]
		plan.Sells = append(plan.Sells, model.PlanSell{Symbol: sym, Quantity: qty})
		if price, ok := in.Prices[sym]; ok && price.IsPositive() {
			proceeds = proceeds.Add(qty.Mul(price))
		} else {
			log.Warn("no price for sell leg, excluded from proceeds estimate", "symbol", sym)
		}
	}

	advance(stateBuying)
	capital := proceeds
	if len(buys) > 0 {
		for _, sale := range in.ExternalSales {
			capital = capital.Add(sale.EstimatedProceeds)
		}
	}

	if len(buys) > 0 && capital.IsPositive() {
		for _, sale := range in.ExternalSales {
			plan.ExternalSalesConsumed = append(plan.ExternalSalesConsumed, sale.ID)
		}
		perBuy := capital.Div(decimal.NewFromInt(int64(len(buys)))).Round(2)
		for _, sym := range buys {
			plan.Buys = append(plan.Buys, model.PlanBuy{Symbol: sym, Notional: perBuy})
		}
	} else if len(buys) > 0 {
		log.Warn("buy candidates with no capital, skipping buys", "candidates", buys)
	}

	plan.EstimatedProceeds = capital.Round(2)
	advance(stateDone)
	return plan
}

// buildFirstRun sizes the initial equal-weight allocation. Symbols the
// account already happens to hold still get the standard buy; the engine
// only trusts what it bought itself.
func buildFirstRun(in Input, plan *model.Plan) {
	if len(in.Current) == 0 {
		return
	}

	capital := in.InitialCapital
	for _, sale := range in.ExternalSales {
		capital = capital.Add(sale.EstimatedProceeds)
		plan.ExternalSalesConsumed = append(plan.ExternalSalesConsumed, sale.ID)
	}
	if !capital.IsPositive() {
		plan.ExternalSalesConsumed = nil
		return
	}

	perBuy := capital.Div(decimal.NewFromInt(int64(len(in.Current)))).Round(2)
	for _, sym := range in.Current {
		plan.Buys = append(plan.Buys, model.PlanBuy{Symbol: sym, Notional: perBuy})
	}
	plan.EstimatedProceeds = capital.Round(2)
}
