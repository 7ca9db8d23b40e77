package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/broker"
	"github.com/satyamallipudi/qms-trading-bot/internal/engine"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
	"github.com/satyamallipudi/qms-trading-bot/internal/notify"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeBoard serves canned leaderboard picks per index.
type fakeBoard struct {
	tops map[string][]string
	err  error
}

func (f *fakeBoard) FetchTopN(_ context.Context, indexID string, n int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	top, ok := f.tops[indexID]
	if !ok {
		return nil, fmt.Errorf("no picks for index %s", indexID)
	}
	if len(top) > n {
		top = top[:n]
	}
	return top, nil
}

var testPrices = map[string]decimal.Decimal{
	"AAPL": d(100), "MSFT": d(200), "NVDA": d(400),
	"GOOG": d(150), "AMZN": d(250), "TSLA": d(300), "META": d(500),
}

func newTestEnv(t *testing.T, portfolios ...model.PortfolioConfig) (*engine.Engine, *store.MemoryStore, *broker.Paper, *fakeBoard) {
	t.Helper()
	if len(portfolios) == 0 {
		portfolios = []model.PortfolioConfig{{
			Name: "main", IndexID: "42", InitialCapital: d(10000), Enabled: true,
		}}
	}
	ms := store.NewMemoryStore()
	pb := broker.NewPaper(testPrices)
	board := &fakeBoard{tops: map[string][]string{
		"42": {"AAPL", "MSFT", "NVDA", "GOOG", "AMZN"},
	}}
	eng := engine.New(ms, pb, board, notify.LogNotifier{}, portfolios, engine.Config{})
	return eng, ms, pb, board
}

func ownedQty(t *testing.T, ms *store.MemoryStore, portfolio, symbol string) decimal.Decimal {
	t.Helper()
	rec, err := ms.GetOwnership(context.Background(), portfolio, symbol)
	if err != nil {
		t.Fatalf("no ownership for %s/%s: %v", portfolio, symbol, err)
	}
	return rec.Quantity
}

func TestExecuteRebalance_FirstRun(t *testing.T) {
	eng, ms, pb, _ := newTestEnv(t)
	ctx := context.Background()

	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Portfolios) != 1 {
		t.Fatalf("expected 1 portfolio result, got %d", len(summary.Portfolios))
	}

	res := summary.Portfolios[0]
	if res.Err != "" {
		t.Fatalf("portfolio failed: %s", res.Err)
	}
	if !res.Plan.FirstRun {
		t.Error("expected the first-run allocation path")
	}
	if len(res.Executed) != 5 {
		t.Fatalf("expected 5 buys, got %d (skipped: %+v)", len(res.Executed), res.Skipped)
	}
	for _, trade := range res.Executed {
		if !trade.Total.Equal(d(2000)) {
			t.Errorf("expected $2000 per pick, got %s for %s", trade.Total, trade.Symbol)
		}
	}

	// Ledger and broker agree: $2000 of AAPL at $100 is 20 shares.
	if qty := ownedQty(t, ms, "main", "AAPL"); !qty.Equal(d(20)) {
		t.Errorf("expected 20 AAPL tracked, got %s", qty)
	}
	positions, _ := pb.GetPositions(ctx)
	if !positions["AAPL"].Equal(d(20)) {
		t.Errorf("expected 20 AAPL at the broker, got %s", positions["AAPL"])
	}

	// The captured top-N is persisted for next run's diff.
	snap, err := ms.GetSnapshot(ctx, "42")
	if err != nil {
		t.Fatalf("expected snapshot saved: %v", err)
	}
	if len(snap.Symbols) != 5 {
		t.Errorf("expected 5 symbols in snapshot, got %v", snap.Symbols)
	}
}

func TestExecuteRebalance_NoChangeSecondRun(t *testing.T) {
	eng, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := eng.ExecuteRebalance(ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	res := summary.Portfolios[0]
	if len(res.Executed) != 0 || len(res.Skipped) != 0 {
		t.Errorf("unchanged leaderboard should trade nothing, executed=%d skipped=%d",
			len(res.Executed), len(res.Skipped))
	}
}

func TestExecuteRebalance_DropoutRotation(t *testing.T) {
	eng, ms, _, board := newTestEnv(t)
	ctx := context.Background()

	if _, err := eng.ExecuteRebalance(ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// AMZN drops out, TSLA enters.
	board.tops["42"] = []string{"AAPL", "MSFT", "NVDA", "GOOG", "TSLA"}

	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	res := summary.Portfolios[0]
	if res.Err != "" {
		t.Fatalf("portfolio failed: %s", res.Err)
	}

	var sold, bought bool
	for _, trade := range res.Executed {
		switch {
		case trade.Symbol == "AMZN" && trade.Action == model.Sell:
			sold = true
			if !trade.Quantity.Equal(d(8)) { // $2000 / $250
				t.Errorf("expected full 8-share AMZN sell, got %s", trade.Quantity)
			}
		case trade.Symbol == "TSLA" && trade.Action == model.Buy:
			bought = true
			if !trade.Total.Equal(d(2000)) { // 8 x $250 proceeds
				t.Errorf("expected TSLA funded by AMZN proceeds, got %s", trade.Total)
			}
		}
	}
	if !sold || !bought {
		t.Fatalf("expected AMZN sell and TSLA buy, got %+v", res.Executed)
	}

	if _, err := ms.GetOwnership(ctx, "main", "AMZN"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AMZN should be off the ledger, got err=%v", err)
	}
	if qty := ownedQty(t, ms, "main", "TSLA"); !qty.IsPositive() {
		t.Errorf("TSLA should be tracked, got %s", qty)
	}
}

func TestExecuteRebalance_LegFailureIsolated(t *testing.T) {
	eng, ms, pb, _ := newTestEnv(t)
	ctx := context.Background()
	pb.RejectSymbols["NVDA"] = true

	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := summary.Portfolios[0]

	if len(res.Executed) != 4 {
		t.Errorf("expected 4 buys to land, got %d", len(res.Executed))
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Symbol != "NVDA" {
		t.Fatalf("expected one NVDA skip, got %+v", res.Skipped)
	}
	if res.Skipped[0].Reason == "" {
		t.Error("skipped leg must carry a reason")
	}
	if _, err := ms.GetOwnership(ctx, "main", "NVDA"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected leg must not touch the ledger, got err=%v", err)
	}
}

func TestExecuteRebalance_DryRun(t *testing.T) {
	eng, ms, pb, _ := newTestEnv(t)
	ctx := context.Background()

	summary, err := eng.ExecuteRebalance(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.DryRun {
		t.Error("summary should be marked dry run")
	}

	res := summary.Portfolios[0]
	if res.Plan == nil || len(res.Plan.Buys) != 5 {
		t.Fatalf("dry run should still produce the plan, got %+v", res.Plan)
	}
	if len(res.Executed) != 0 {
		t.Errorf("dry run must not execute, got %+v", res.Executed)
	}

	positions, _ := pb.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("dry run must not touch the broker, got %+v", positions)
	}
	// No snapshot either: the next real run must see the same diff.
	if _, err := ms.GetSnapshot(ctx, "42"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("dry run must not persist a snapshot, got err=%v", err)
	}
}

func TestExecuteRebalance_ExternalSaleBuyback(t *testing.T) {
	eng, ms, pb, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := eng.ExecuteRebalance(ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Someone sells half the AAPL position outside the engine.
	pb.SetPosition("AAPL", d(10))

	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	res := summary.Portfolios[0]

	if len(res.Reconcile.ExternalSales) != 1 {
		t.Fatalf("expected the external sale detected, got %+v", res.Reconcile.ExternalSales)
	}
	sale := res.Reconcile.ExternalSales[0]
	if !sale.Quantity.Equal(d(10)) {
		t.Errorf("expected 10 shares detected sold, got %s", sale.Quantity)
	}
	if !sale.EstimatedProceeds.Equal(d(1000)) {
		t.Errorf("expected proceeds at market 10x$100, got %s", sale.EstimatedProceeds)
	}

	// AAPL is still ranked, so the proceeds buy it back.
	var buyback *model.TradeRecord
	for i := range res.Executed {
		if res.Executed[i].Symbol == "AAPL" && res.Executed[i].Action == model.Buy {
			buyback = &res.Executed[i]
		}
	}
	if buyback == nil {
		t.Fatalf("expected an AAPL buyback, got %+v", res.Executed)
	}
	if !buyback.Total.Equal(d(1000)) {
		t.Errorf("expected buyback sized by the proceeds, got %s", buyback.Total)
	}

	// The proceeds are spent exactly once.
	unconsumed, _ := ms.ListUnconsumedExternalSales(ctx, "main")
	if len(unconsumed) != 0 {
		t.Errorf("expected the sale marked consumed, got %+v", unconsumed)
	}
}

func TestExecuteRebalance_MultiPortfolioApportioning(t *testing.T) {
	eng, ms, pb, board := newTestEnv(t,
		model.PortfolioConfig{Name: "growth", IndexID: "42", InitialCapital: d(12000), Enabled: true},
		model.PortfolioConfig{Name: "value", IndexID: "42", InitialCapital: d(8000), Enabled: true},
	)
	ctx := context.Background()

	if _, err := eng.ExecuteRebalance(ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Each portfolio tracks its own equal-weight slice: growth 12000/5 and
	// value 8000/5 of AAPL at $100.
	if qty := ownedQty(t, ms, "growth", "AAPL"); !qty.Equal(d(24)) {
		t.Errorf("expected growth AAPL=24, got %s", qty)
	}
	if qty := ownedQty(t, ms, "value", "AAPL"); !qty.Equal(d(16)) {
		t.Errorf("expected value AAPL=16, got %s", qty)
	}
	positions, _ := pb.GetPositions(ctx)
	if !positions["AAPL"].Equal(d(40)) {
		t.Errorf("broker should hold the combined 40 shares, got %s", positions["AAPL"])
	}

	// AAPL drops out: each portfolio sells only its own fraction.
	board.tops["42"] = []string{"MSFT", "NVDA", "GOOG", "AMZN", "TSLA"}
	summary, err := eng.ExecuteRebalance(ctx, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	soldBy := make(map[string]decimal.Decimal)
	for _, res := range summary.Portfolios {
		if res.Err != "" {
			t.Fatalf("portfolio %s failed: %s", res.Portfolio, res.Err)
		}
		for _, trade := range res.Executed {
			if trade.Symbol == "AAPL" && trade.Action == model.Sell {
				soldBy[res.Portfolio] = trade.Quantity
			}
		}
	}
	if !soldBy["growth"].Equal(d(24)) || !soldBy["value"].Equal(d(16)) {
		t.Errorf("each portfolio must sell its own fraction, got %+v", soldBy)
	}
}

func TestExecuteRebalance_PortfolioFailureIsolated(t *testing.T) {
	eng, _, _, board := newTestEnv(t,
		model.PortfolioConfig{Name: "growth", IndexID: "42", InitialCapital: d(10000), Enabled: true},
		model.PortfolioConfig{Name: "value", IndexID: "broken", InitialCapital: d(10000), Enabled: true},
	)
	_ = board // index "broken" has no picks

	summary, err := eng.ExecuteRebalance(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byName := make(map[string]model.PortfolioResult)
	for _, res := range summary.Portfolios {
		byName[res.Portfolio] = res
	}
	if byName["value"].Err == "" {
		t.Error("expected the broken-index portfolio to report its failure")
	}
	if byName["growth"].Err != "" {
		t.Errorf("sibling portfolio must be unaffected: %s", byName["growth"].Err)
	}
	if len(byName["growth"].Executed) != 5 {
		t.Errorf("expected the healthy portfolio fully executed, got %d", len(byName["growth"].Executed))
	}
}

func TestExecuteRebalance_RunInProgress(t *testing.T) {
	eng, _, _, _ := newTestEnv(t)

	// Re-entering from the run callback hits the held lock.
	var nested error
	eng.OnRun(func(*model.RunSummary) {
		_, nested = eng.ExecuteRebalance(context.Background(), false)
	})

	if _, err := eng.ExecuteRebalance(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(nested, engine.ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", nested)
	}
}

func TestLastRun(t *testing.T) {
	eng, _, _, _ := newTestEnv(t)

	if eng.LastRun() != nil {
		t.Error("expected nil before any run")
	}
	summary, err := eng.ExecuteRebalance(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := eng.LastRun(); got == nil || got.RunID != summary.RunID {
		t.Errorf("expected the finished run retained, got %+v", got)
	}
}
