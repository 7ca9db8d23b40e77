package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/allocator"
	"github.com/satyamallipudi/qms-trading-bot/internal/broker"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
	"github.com/satyamallipudi/qms-trading-bot/internal/reconcile"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*reconcile.Reconciler, *store.MemoryStore, *broker.Paper) {
	t.Helper()
	ms := store.NewMemoryStore()
	pb := broker.NewPaper(map[string]decimal.Decimal{
		"AAPL": d(150),
		"MSFT": d(300),
	})
	return reconcile.New(ms, pb), ms, pb
}

func seedOwnership(t *testing.T, ms *store.MemoryStore, portfolio, symbol string, qty, totalCost float64) {
	t.Helper()
	err := ms.PutOwnership(context.Background(), &model.OwnershipRecord{
		Portfolio: portfolio,
		Symbol:    symbol,
		Quantity:  d(qty),
		TotalCost: d(totalCost),
		FirstBuy:  time.Now().UTC().Add(-24 * time.Hour),
		UpdatedAt: time.Now().UTC().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to seed ownership: %v", err)
	}
}

func viewFor(owned, apportioned map[string]decimal.Decimal) *allocator.View {
	return &allocator.View{
		Owned:       owned,
		Apportioned: apportioned,
		Untracked:   map[string]decimal.Decimal{},
	}
}

// --- External sale detection ---

func TestDetectExternalSales_PartialSale(t *testing.T) {
	r, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedOwnership(t, ms, "main", "AAPL", 10, 1000)

	report, err := r.DetectExternalSales(ctx, "main", viewFor(
		map[string]decimal.Decimal{"AAPL": d(10)},
		map[string]decimal.Decimal{"AAPL": d(6)},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.ExternalSales) != 1 {
		t.Fatalf("expected 1 external sale, got %d", len(report.ExternalSales))
	}
	sale := report.ExternalSales[0]
	if !sale.Quantity.Equal(d(4)) {
		t.Errorf("expected sold quantity 4, got %s", sale.Quantity)
	}
	// Proceeds priced at current market: 4 x $150.
	if !sale.EstimatedProceeds.Equal(d(600)) {
		t.Errorf("expected proceeds 600, got %s", sale.EstimatedProceeds)
	}

	rec, err := ms.GetOwnership(ctx, "main", "AAPL")
	if err != nil {
		t.Fatalf("ledger record gone: %v", err)
	}
	if !rec.Quantity.Equal(d(6)) {
		t.Errorf("expected ledger shrunk to 6, got %s", rec.Quantity)
	}
	if !rec.TotalCost.Equal(d(600)) {
		t.Errorf("expected cost basis shrunk to 600, got %s", rec.TotalCost)
	}

	unconsumed, _ := ms.ListUnconsumedExternalSales(ctx, "main")
	if len(unconsumed) != 1 {
		t.Errorf("expected the sale stored unconsumed, got %d", len(unconsumed))
	}
}

func TestDetectExternalSales_FullSaleRemovesRecord(t *testing.T) {
	r, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedOwnership(t, ms, "main", "AAPL", 10, 1000)

	report, err := r.DetectExternalSales(ctx, "main", viewFor(
		map[string]decimal.Decimal{"AAPL": d(10)},
		map[string]decimal.Decimal{}, // broker holds nothing
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.ExternalSales) != 1 || !report.ExternalSales[0].Quantity.Equal(d(10)) {
		t.Fatalf("expected full 10-share sale, got %+v", report.ExternalSales)
	}

	if _, err := ms.GetOwnership(ctx, "main", "AAPL"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected record removed, got err=%v", err)
	}
}

func TestDetectExternalSales_NoMismatch(t *testing.T) {
	r, ms, _ := newTestEnv(t)
	seedOwnership(t, ms, "main", "AAPL", 10, 1000)

	report, err := r.DetectExternalSales(context.Background(), "main", viewFor(
		map[string]decimal.Decimal{"AAPL": d(10)},
		map[string]decimal.Decimal{"AAPL": d(10)},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.ExternalSales) != 0 {
		t.Errorf("expected no sales, got %+v", report.ExternalSales)
	}
}

func TestDetectExternalSales_PriceFailureFallsBackToCost(t *testing.T) {
	r, ms, _ := newTestEnv(t)
	// GME has no price on the paper broker.
	seedOwnership(t, ms, "main", "GME", 10, 400) // avg cost $40

	report, err := r.DetectExternalSales(context.Background(), "main", viewFor(
		map[string]decimal.Decimal{"GME": d(10)},
		map[string]decimal.Decimal{"GME": d(5)},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.ExternalSales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(report.ExternalSales))
	}
	if !report.ExternalSales[0].EstimatedProceeds.Equal(d(200)) {
		t.Errorf("expected proceeds 5x$40=200 from cost basis, got %s",
			report.ExternalSales[0].EstimatedProceeds)
	}
}

// --- Trade-history matching ---

func recordTrade(t *testing.T, ms *store.MemoryStore, trade model.TradeRecord) {
	t.Helper()
	if trade.ID == "" {
		trade.ID = "trade-" + trade.Symbol
	}
	if err := ms.RecordTrade(context.Background(), &trade); err != nil {
		t.Fatalf("failed to record trade: %v", err)
	}
}

func TestMatchTradeHistory_ByBrokerID(t *testing.T) {
	r, ms, pb := newTestEnv(t)
	ctx := context.Background()

	orderID, ok, err := pb.Buy(ctx, "AAPL", d(1500))
	if err != nil || !ok {
		t.Fatalf("paper buy failed: ok=%v err=%v", ok, err)
	}
	recordTrade(t, ms, model.TradeRecord{
		Portfolio: "main", Symbol: "AAPL", Action: model.Buy,
		Quantity: d(10), Price: d(150), Total: d(1500),
		SubmittedAt: time.Now().UTC(), BrokerTradeID: orderID,
	})

	report, err := r.MatchTradeHistory(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Updated != 1 || report.Missing != 0 || report.Unfilled != 0 {
		t.Errorf("expected 1 updated, got %+v", report)
	}

	trades, _ := ms.ListTradesSince(ctx, time.Now().UTC().Add(-time.Hour))
	if len(trades) != 1 || trades[0].ReconciledAt == nil {
		t.Fatalf("expected the record back-filled, got %+v", trades)
	}
	if trades[0].ActualQuantity == nil || !trades[0].ActualQuantity.Equal(d(10)) {
		t.Errorf("expected actual quantity 10, got %v", trades[0].ActualQuantity)
	}
}

func TestMatchTradeHistory_BySymbolAndTime(t *testing.T) {
	r, ms, pb := newTestEnv(t)
	ctx := context.Background()

	if _, ok, _ := pb.Buy(ctx, "MSFT", d(300)); !ok {
		t.Fatalf("paper buy failed")
	}
	// Recorded without a broker id, submitted around the fill time.
	recordTrade(t, ms, model.TradeRecord{
		Portfolio: "main", Symbol: "MSFT", Action: model.Buy,
		Quantity: d(1), Price: d(300), Total: d(300),
		SubmittedAt: time.Now().UTC().Add(-10 * time.Minute),
	})

	report, err := r.MatchTradeHistory(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Updated != 1 {
		t.Errorf("expected symbol+time match, got %+v", report)
	}
}

func TestMatchTradeHistory_MissingAndUnfilled(t *testing.T) {
	r, ms, pb := newTestEnv(t)
	ctx := context.Background()

	// A fill the engine never recorded.
	if _, ok, _ := pb.Buy(ctx, "AAPL", d(500)); !ok {
		t.Fatal("paper buy failed")
	}

	// A recorded MSFT buy with no fill, past the grace period.
	recordTrade(t, ms, model.TradeRecord{
		ID: "stale", Portfolio: "main", Symbol: "MSFT", Action: model.Buy,
		Quantity: d(1), Price: d(300), Total: d(300),
		SubmittedAt: time.Now().UTC().Add(-48 * time.Hour),
	})

	report, err := r.MatchTradeHistory(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Missing != 1 {
		t.Errorf("expected 1 missing, got %+v", report)
	}
	if report.Unfilled != 1 {
		t.Errorf("expected 1 unfilled, got %+v", report)
	}
}

func TestMatchTradeHistory_FreshTradeNotUnfilled(t *testing.T) {
	r, ms, _ := newTestEnv(t)

	recordTrade(t, ms, model.TradeRecord{
		ID: "fresh", Portfolio: "main", Symbol: "MSFT", Action: model.Buy,
		Quantity: d(1), Price: d(300), Total: d(300),
		SubmittedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	report, err := r.MatchTradeHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Unfilled != 0 {
		t.Errorf("a trade inside the grace period is not unfilled, got %+v", report)
	}
}
