package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// Paper is an in-memory simulated broker: orders fill instantly at the
// configured price table. Used for tests and BROKER_TYPE=paper dry
// deployments where no real brokerage account is wired.
type Paper struct {
	mu        sync.Mutex
	positions map[string]decimal.Decimal
	prices    map[string]decimal.Decimal
	history   []Trade

	// RejectSymbols lists symbols whose orders the broker declines,
	// for exercising leg-failure paths.
	RejectSymbols map[string]bool
}

// NewPaper creates a paper broker with the given price table.
func NewPaper(prices map[string]decimal.Decimal) *Paper {
	p := &Paper{
		positions:     make(map[string]decimal.Decimal),
		prices:        make(map[string]decimal.Decimal, len(prices)),
		RejectSymbols: make(map[string]bool),
	}
	for sym, price := range prices {
		p.prices[sym] = price
	}
	return p
}

// SetPosition seeds a holding directly, bypassing the order path. Tests use
// this to fabricate externally-held or externally-sold states.
func (p *Paper) SetPosition(symbol string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty.IsZero() {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = qty
}

// SetPrice updates the simulated market price for a symbol.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *Paper) GetPositions(_ context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(p.positions))
	for sym, qty := range p.positions {
		out[sym] = qty
	}
	return out, nil
}

func (p *Paper) GetTradeHistory(_ context.Context, since time.Time) ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Trade
	for _, t := range p.history {
		if !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *Paper) Buy(_ context.Context, symbol string, notional decimal.Decimal) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RejectSymbols[symbol] {
		return "", false, nil
	}
	price, ok := p.prices[symbol]
	if !ok || !price.IsPositive() {
		return "", false, nil
	}

	qty := notional.Div(price)
	p.positions[symbol] = p.positions[symbol].Add(qty)

	id := uuid.New().String()
	p.history = append(p.history, Trade{
		TradeID:   id,
		Symbol:    symbol,
		Action:    model.Buy,
		Quantity:  qty,
		Price:     price,
		Total:     notional,
		Timestamp: time.Now().UTC(),
	})
	return id, true, nil
}

func (p *Paper) Sell(_ context.Context, symbol string, qty decimal.Decimal) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RejectSymbols[symbol] {
		return "", false, nil
	}
	held := p.positions[symbol]
	if qty.GreaterThan(held) {
		return "", false, nil
	}
	price, ok := p.prices[symbol]
	if !ok {
		return "", false, nil
	}

	remaining := held.Sub(qty)
	if remaining.IsZero() {
		delete(p.positions, symbol)
	} else {
		p.positions[symbol] = remaining
	}

	id := uuid.New().String()
	p.history = append(p.history, Trade{
		TradeID:   id,
		Symbol:    symbol,
		Action:    model.Sell,
		Quantity:  qty,
		Price:     price,
		Total:     qty.Mul(price),
		Timestamp: time.Now().UTC(),
	})
	return id, true, nil
}

func (p *Paper) GetCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("broker: no price for %s", symbol)
	}
	return price, nil
}
