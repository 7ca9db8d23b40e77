// Package broker defines the capability contract the engine requires from
// a brokerage backend, plus the available implementations. The engine
// depends only on the Broker interface, never a concrete backend.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// ErrUnavailable is returned when the brokerage cannot be reached at all.
// It aborts the affected portfolio's run; a declined order does not.
var ErrUnavailable = errors.New("broker: unavailable")

// Trade is one entry of the broker-side trade history, used for
// reconciliation against the engine's own records.
type Trade struct {
	TradeID   string
	Symbol    string
	Action    model.Action
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Total     decimal.Decimal
	Timestamp time.Time
}

// Broker is the brokerage capability contract. Buy takes a notional dollar
// amount (fractional shares), Sell takes a share quantity. ok=false means
// the broker declined the order — a leg failure, not a run failure.
type Broker interface {
	// GetPositions returns the account's current holdings, symbol → quantity.
	// This is the whole account, aggregated across every portfolio.
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)

	// GetTradeHistory returns fills since the cutoff, best-effort.
	GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error)

	// Buy submits a notional market buy. Returns the broker's order id.
	Buy(ctx context.Context, symbol string, notional decimal.Decimal) (orderID string, ok bool, err error)

	// Sell submits a quantity market sell. Returns the broker's order id.
	Sell(ctx context.Context, symbol string, qty decimal.Decimal) (orderID string, ok bool, err error)

	// GetCurrentPrice returns the latest trade price for a symbol.
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
