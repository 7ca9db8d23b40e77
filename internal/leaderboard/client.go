// Package leaderboard fetches the ranked symbol list the portfolios track.
// The ranking API takes an index id and a momentum day (the most recent
// Sunday) and returns symbols ordered best-first.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable is returned on network or auth failure; the engine aborts
// the affected portfolio's run and leaves siblings alone.
var ErrUnavailable = errors.New("leaderboard: unavailable")

// Client talks to the leaderboard ranking API.
type Client struct {
	http *resty.Client
}

// NewClient creates a leaderboard client with bearer-token auth and retries
// on transient failures.
func NewClient(apiURL, apiToken string) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimSuffix(apiURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetAuthToken(apiToken).
		SetHeader("Content-Type", "application/json")
	return &Client{http: http}
}

type rankRequest struct {
	IndexID string `json:"indexId"`
	AlgoID  string `json:"algoId"`
	MomDay  string `json:"momDay"`
}

// FetchTopN returns the current top-n symbols for an index, using the most
// recent Sunday as the momentum day.
func (c *Client) FetchTopN(ctx context.Context, indexID string, n int) ([]string, error) {
	return c.FetchTopNAt(ctx, indexID, n, PreviousSunday(time.Now()))
}

// FetchTopNAt returns the top-n symbols for an index as of momDay
// (YYYY-MM-DD).
func (c *Client) FetchTopNAt(ctx context.Context, indexID string, n int, momDay string) ([]string, error) {
	var raw json.RawMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rankRequest{IndexID: indexID, AlgoID: "1", MomDay: momDay}).
		SetResult(&raw).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: API returned %s", ErrUnavailable, resp.Status())
	}

	symbols, err := parseSymbols(raw)
	if err != nil {
		return nil, err
	}
	if len(symbols) < n {
		return nil, fmt.Errorf("leaderboard: wanted top %d for index %s, got %d", n, indexID, len(symbols))
	}
	return symbols[:n], nil
}

// parseSymbols handles the API's two response shapes: a bare array of
// entries, or an object with the array under "data" or "results".
func parseSymbols(raw json.RawMessage) ([]string, error) {
	var entries []rankEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapped struct {
			Data    []rankEntry `json:"data"`
			Results []rankEntry `json:"results"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("leaderboard: unexpected response shape: %w", err)
		}
		entries = wrapped.Data
		if len(entries) == 0 {
			entries = wrapped.Results
		}
	}

	var symbols []string
	for _, e := range entries {
		if sym := e.symbol(); sym != "" {
			symbols = append(symbols, strings.ToUpper(sym))
		}
	}
	return symbols, nil
}

type rankEntry struct {
	Symbol string `json:"symbol"`
	Ticker string `json:"ticker"`
	Stock  string `json:"stock"`
}

func (e rankEntry) symbol() string {
	switch {
	case e.Symbol != "":
		return e.Symbol
	case e.Ticker != "":
		return e.Ticker
	default:
		return e.Stock
	}
}

// PreviousSunday returns the date of the Sunday strictly before t, in
// YYYY-MM-DD. Leaderboards publish weekly on Sundays; a run on Sunday
// itself uses the prior week's board.
func PreviousSunday(t time.Time) string {
	days := int(t.Weekday())
	if days == 0 {
		days = 7
	}
	return t.AddDate(0, 0, -days).Format("2006-01-02")
}

// PreviousWeekSunday returns the Sunday one week before PreviousSunday.
func PreviousWeekSunday(t time.Time) string {
	prev, _ := time.Parse("2006-01-02", PreviousSunday(t))
	return prev.AddDate(0, 0, -7).Format("2006-01-02")
}
