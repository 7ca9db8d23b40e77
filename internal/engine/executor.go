package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/metrics"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// execResult is one portfolio's execution outcome.
type execResult struct {
	executed []model.TradeRecord
	skipped  []model.SkippedLeg
	proceeds decimal.Decimal
	spent    decimal.Decimal
}

// executePlan submits a plan's legs: sells first so their proceeds settle
// before the buys draw on them. There is no retry and no rollback — a
// failed leg is skipped with its reason and the run moves on. Trades are
// recorded at order submission, priced at the current market; actual fill
// data is back-filled by the next run's trade matching.
func (e *Engine) executePlan(ctx context.Context, plan *model.Plan, prices map[string]decimal.Decimal) execResult {
	res := execResult{proceeds: decimal.Zero, spent: decimal.Zero}
	log := e.log.With("portfolio", plan.Portfolio)

	for _, leg := range plan.Sells {
		legCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
		orderID, ok, err := e.broker.Sell(legCtx, leg.Symbol, leg.Quantity)
		cancel()
		if err != nil {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Sell, err.Error())
			continue
		}
		if !ok {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Sell, "order rejected by broker")
			continue
		}

		price := prices[leg.Symbol]
		trade := model.TradeRecord{
			ID:            uuid.NewString(),
			Portfolio:     plan.Portfolio,
			Symbol:        leg.Symbol,
			Action:        model.Sell,
			Quantity:      leg.Quantity,
			Price:         price,
			Total:         leg.Quantity.Mul(price).Round(2),
			SubmittedAt:   time.Now().UTC(),
			BrokerTradeID: orderID,
		}
		if err := e.store.RecordTrade(ctx, &trade); err != nil {
			// The order is already at the broker; losing the record is
			// worse than a skipped leg. Flag loudly and keep going.
			log.Error("sell submitted but not recorded",
				"symbol", leg.Symbol, "order_id", orderID, "error", err)
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Sell, "submitted but not recorded: "+err.Error())
			continue
		}

		metrics.LegsExecuted.WithLabelValues(string(model.Sell), plan.Portfolio).Inc()
		log.Info("sell executed", "symbol", leg.Symbol, "quantity", leg.Quantity, "total", trade.Total)
		res.executed = append(res.executed, trade)
		res.proceeds = res.proceeds.Add(trade.Total)
	}

	boughtAny := false
	for _, leg := range plan.Buys {
		if !leg.Notional.IsPositive() {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Buy, "zero notional")
			continue
		}

		legCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
		price, err := e.broker.GetCurrentPrice(legCtx, leg.Symbol)
		cancel()
		if err != nil || !price.IsPositive() {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Buy, "price unavailable")
			continue
		}

		legCtx, cancel = context.WithTimeout(ctx, e.legTimeout)
		orderID, ok, err := e.broker.Buy(legCtx, leg.Symbol, leg.Notional)
		cancel()
		if err != nil {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Buy, err.Error())
			continue
		}
		if !ok {
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Buy, "order rejected by broker")
			continue
		}

		trade := model.TradeRecord{
			ID:            uuid.NewString(),
			Portfolio:     plan.Portfolio,
			Symbol:        leg.Symbol,
			Action:        model.Buy,
			Quantity:      leg.Notional.Div(price),
			Price:         price,
			Total:         leg.Notional,
			SubmittedAt:   time.Now().UTC(),
			BrokerTradeID: orderID,
		}
		if err := e.store.RecordTrade(ctx, &trade); err != nil {
			log.Error("buy submitted but not recorded",
				"symbol", leg.Symbol, "order_id", orderID, "error", err)
			e.skip(&res, plan.Portfolio, leg.Symbol, model.Buy, "submitted but not recorded: "+err.Error())
			continue
		}

		metrics.LegsExecuted.WithLabelValues(string(model.Buy), plan.Portfolio).Inc()
		log.Info("buy executed", "symbol", leg.Symbol, "notional", leg.Notional, "price", price)
		res.executed = append(res.executed, trade)
		res.spent = res.spent.Add(trade.Total)
		boughtAny = true
	}

	// External-sale proceeds were pooled into the buy capital, so they are
	// consumed as a unit once any buy lands.
	if boughtAny && len(plan.ExternalSalesConsumed) > 0 {
		if err := e.store.ConsumeExternalSales(ctx, plan.ExternalSalesConsumed, time.Now().UTC()); err != nil {
			log.Error("mark external sales consumed", "ids", plan.ExternalSalesConsumed, "error", err)
		}
	}

	return res
}

func (e *Engine) skip(res *execResult, portfolio, symbol string, action model.Action, reason string) {
	e.log.Warn("leg skipped", "portfolio", portfolio, "symbol", symbol, "action", action, "reason", reason)
	metrics.LegsSkipped.WithLabelValues(string(action), portfolio).Inc()
	res.skipped = append(res.skipped, model.SkippedLeg{Symbol: symbol, Action: action, Reason: reason})
}
