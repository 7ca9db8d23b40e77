package allocator_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/allocator"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func rec(portfolio, symbol string, qty float64) model.OwnershipRecord {
	return model.OwnershipRecord{
		Portfolio: portfolio,
		Symbol:    symbol,
		Quantity:  d(qty),
		TotalCost: d(qty * 100),
		FirstBuy:  time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestSplit_Proportional(t *testing.T) {
	a := allocator.New()

	shares := a.Split(d(100), map[string]decimal.Decimal{
		"growth": d(60),
		"value":  d(40),
	})

	if !shares["growth"].Equal(d(60)) {
		t.Errorf("expected growth=60, got %s", shares["growth"])
	}
	if !shares["value"].Equal(d(40)) {
		t.Errorf("expected value=40, got %s", shares["value"])
	}
}

func TestSplit_NeverExceedsTotal(t *testing.T) {
	a := allocator.New()

	// 1/3 splits produce repeating decimals; the floor-and-distribute
	// rounding must keep the sum at or below the broker total.
	total := d(10)
	shares := a.Split(total, map[string]decimal.Decimal{
		"a": d(1), "b": d(1), "c": d(1),
	})

	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	if sum.GreaterThan(total) {
		t.Errorf("apportioned sum %s exceeds broker total %s", sum, total)
	}
	if total.Sub(sum).GreaterThan(d(0.000001)) {
		t.Errorf("remainder not distributed: sum=%s", sum)
	}
}

func TestSplit_TieBreaksByName(t *testing.T) {
	a := allocator.New()

	// Equal weights on an odd total: the extra step goes to the
	// alphabetically-first portfolio, deterministically.
	shares := a.Split(decimal.RequireFromString("0.000003"), map[string]decimal.Decimal{
		"beta":  d(1),
		"alpha": d(1),
	})

	if !shares["alpha"].Equal(decimal.RequireFromString("0.000002")) {
		t.Errorf("expected alpha to win the tie, got alpha=%s beta=%s", shares["alpha"], shares["beta"])
	}
}

func TestSplit_ZeroTotal(t *testing.T) {
	a := allocator.New()

	shares := a.Split(decimal.Zero, map[string]decimal.Decimal{"a": d(1)})
	if !shares["a"].IsZero() {
		t.Errorf("expected zero share, got %s", shares["a"])
	}
}

func TestViews_ApportionsSharedSymbol(t *testing.T) {
	a := allocator.New()

	records := []model.OwnershipRecord{
		rec("growth", "MSFT", 6),
		rec("value", "MSFT", 4),
		rec("growth", "AAPL", 10),
	}
	positions := map[string]decimal.Decimal{
		"MSFT": d(10),
		"AAPL": d(10),
	}

	views := a.Views(positions, records, []string{"growth", "value"})

	if !views["growth"].Apportioned["MSFT"].Equal(d(6)) {
		t.Errorf("expected growth MSFT=6, got %s", views["growth"].Apportioned["MSFT"])
	}
	if !views["value"].Apportioned["MSFT"].Equal(d(4)) {
		t.Errorf("expected value MSFT=4, got %s", views["value"].Apportioned["MSFT"])
	}
	if !views["growth"].Apportioned["AAPL"].Equal(d(10)) {
		t.Errorf("sole owner should get the full broker quantity, got %s", views["growth"].Apportioned["AAPL"])
	}
	if _, ok := views["value"].Apportioned["AAPL"]; ok {
		t.Error("value tracks no AAPL, it should see no apportioned share")
	}
}

func TestViews_ExternalSaleShrinksBothFractions(t *testing.T) {
	a := allocator.New()

	records := []model.OwnershipRecord{
		rec("growth", "MSFT", 6),
		rec("value", "MSFT", 4),
	}
	// Someone sold 5 of the 10 shares outside the engine.
	positions := map[string]decimal.Decimal{"MSFT": d(5)}

	views := a.Views(positions, records, []string{"growth", "value"})

	if !views["growth"].Apportioned["MSFT"].Equal(d(3)) {
		t.Errorf("expected growth MSFT=3, got %s", views["growth"].Apportioned["MSFT"])
	}
	if !views["value"].Apportioned["MSFT"].Equal(d(2)) {
		t.Errorf("expected value MSFT=2, got %s", views["value"].Apportioned["MSFT"])
	}
}

func TestViews_UntrackedVisibleToAll(t *testing.T) {
	a := allocator.New()

	records := []model.OwnershipRecord{rec("growth", "AAPL", 10)}
	positions := map[string]decimal.Decimal{
		"AAPL": d(10),
		"GME":  d(3), // bought manually, no ledger entry anywhere
	}

	views := a.Views(positions, records, []string{"growth", "value"})

	for _, name := range []string{"growth", "value"} {
		if !views[name].Untracked["GME"].Equal(d(3)) {
			t.Errorf("portfolio %s should see untracked GME=3, got %s", name, views[name].Untracked["GME"])
		}
	}
}

func TestFraction(t *testing.T) {
	records := []model.OwnershipRecord{
		rec("growth", "MSFT", 6),
		rec("value", "MSFT", 4),
	}

	if f := allocator.Fraction(records, "growth", "MSFT"); !f.Equal(d(0.6)) {
		t.Errorf("expected 0.6, got %s", f)
	}
	if f := allocator.Fraction(records, "value", "AAPL"); !f.IsZero() {
		t.Errorf("expected zero for untracked symbol, got %s", f)
	}
}
