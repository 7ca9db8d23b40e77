package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// Alpaca implements Broker against the Alpaca trading API. Works with both
// the paper and live endpoints; the caller picks via base URL. Market data
// (latest trade price) comes from the separate data API host.
type Alpaca struct {
	trading *resty.Client
	data    *resty.Client
}

// NewAlpaca creates an Alpaca-backed broker. baseURL is the trading API
// (e.g. https://paper-api.alpaca.markets), dataURL the market data API
// (e.g. https://data.alpaca.markets).
func NewAlpaca(baseURL, dataURL, apiKey, apiSecret string) *Alpaca {
	newClient := func(url string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimSuffix(url, "/")).
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetHeader("APCA-API-KEY-ID", apiKey).
			SetHeader("APCA-API-SECRET-KEY", apiSecret)
	}
	return &Alpaca{
		trading: newClient(baseURL),
		data:    newClient(dataURL),
	}
}

type alpacaPosition struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

func (a *Alpaca) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var positions []alpacaPosition
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&positions).
		Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: positions returned %s", ErrUnavailable, resp.Status())
	}

	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil {
			slog.Warn("alpaca position with unparseable qty", "symbol", p.Symbol, "qty", p.Qty)
			continue
		}
		out[strings.ToUpper(p.Symbol)] = qty
	}
	return out, nil
}

type alpacaActivity struct {
	ID              string `json:"id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"` // "buy" or "sell"
	Qty             string `json:"qty"`
	Price           string `json:"price"`
	TransactionTime string `json:"transaction_time"`
}

func (a *Alpaca) GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error) {
	var activities []alpacaActivity
	resp, err := a.trading.R().
		SetContext(ctx).
		SetQueryParam("after", since.UTC().Format(time.RFC3339)).
		SetResult(&activities).
		Get("/v2/account/activities/FILL")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: activities returned %s", ErrUnavailable, resp.Status())
	}

	var trades []Trade
	for _, act := range activities {
		qty, qerr := decimal.NewFromString(act.Qty)
		price, perr := decimal.NewFromString(act.Price)
		ts, terr := time.Parse(time.RFC3339, act.TransactionTime)
		if qerr != nil || perr != nil || terr != nil {
			slog.Warn("skipping unparseable alpaca fill", "id", act.ID, "symbol", act.Symbol)
			continue
		}

		action := model.Buy
		if strings.EqualFold(act.Side, "sell") {
			action = model.Sell
		}
		trades = append(trades, Trade{
			TradeID:   act.ID,
			Symbol:    strings.ToUpper(act.Symbol),
			Action:    action,
			Quantity:  qty,
			Price:     price,
			Total:     qty.Mul(price),
			Timestamp: ts,
		})
	}
	return trades, nil
}

type alpacaOrderReq struct {
	Symbol      string `json:"symbol"`
	Notional    string `json:"notional,omitempty"`
	Qty         string `json:"qty,omitempty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
}

type alpacaOrderResp struct {
	ID string `json:"id"`
}

func (a *Alpaca) Buy(ctx context.Context, symbol string, notional decimal.Decimal) (string, bool, error) {
	// Alpaca limits notional values to 2 decimal places.
	return a.submitOrder(ctx, alpacaOrderReq{
		Symbol:      symbol,
		Notional:    notional.Round(2).String(),
		Side:        "buy",
		Type:        "market",
		TimeInForce: "day",
	})
}

func (a *Alpaca) Sell(ctx context.Context, symbol string, qty decimal.Decimal) (string, bool, error) {
	return a.submitOrder(ctx, alpacaOrderReq{
		Symbol:      symbol,
		Qty:         qty.String(),
		Side:        "sell",
		Type:        "market",
		TimeInForce: "day",
	})
}

func (a *Alpaca) submitOrder(ctx context.Context, req alpacaOrderReq) (string, bool, error) {
	var order alpacaOrderResp
	resp, err := a.trading.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&order).
		Post("/v2/orders")
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		// Declined order: leg failure, not an outage.
		slog.Warn("alpaca rejected order",
			"symbol", req.Symbol, "side", req.Side, "status", resp.Status(), "body", string(resp.Body()))
		return "", false, nil
	}
	return order.ID, true, nil
}

type alpacaLatestTrade struct {
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

func (a *Alpaca) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var latest alpacaLatestTrade
	resp, err := a.data.R().
		SetContext(ctx).
		SetResult(&latest).
		Get(fmt.Sprintf("/v2/stocks/%s/trades/latest", symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("broker: latest trade for %s returned %s", symbol, resp.Status())
	}
	return decimal.NewFromFloat(latest.Trade.Price), nil
}
