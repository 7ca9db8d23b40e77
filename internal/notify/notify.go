// Package notify delivers run reports. The engine calls Notify after
// every rebalance run with the full summary; delivery failures are
// logged and never fail the run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// Notifier receives a completed run summary.
type Notifier interface {
	Notify(ctx context.Context, s *model.RunSummary) error
}

// LogNotifier writes the report to the structured log. It is the default
// when no mail settings are configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, s *model.RunSummary) error {
	slog.Info("rebalance report",
		"run_id", s.RunID,
		"dry_run", s.DryRun,
		"duration", s.FinishedAt.Sub(s.StartedAt).String(),
		"portfolios", len(s.Portfolios),
		"report", Format(s),
	)
	return nil
}

// Multi fans a summary out to several notifiers. Each one gets a chance
// even when an earlier one errors; the first error is returned.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s *model.RunSummary) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			slog.Error("notifier failed", "notifier", fmt.Sprintf("%T", n), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Format renders a run summary as the plain-text report body.
func Format(s *model.RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Rebalance run %s\n", s.RunID)
	fmt.Fprintf(&b, "Started:  %s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Finished: %s\n", s.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	if s.DryRun {
		b.WriteString("Mode: DRY RUN (no orders submitted)\n")
	}
	fmt.Fprintf(&b, "Trade matching: %d updated, %d missing, %d unfilled\n",
		s.TradeMatch.Updated, s.TradeMatch.Missing, s.TradeMatch.Unfilled)

	for i := range s.Portfolios {
		p := &s.Portfolios[i]
		fmt.Fprintf(&b, "\n== Portfolio %s (index %s) ==\n", p.Portfolio, p.IndexID)
		if p.Err != "" {
			fmt.Fprintf(&b, "FAILED: %s\n", p.Err)
			continue
		}
		fmt.Fprintf(&b, "Top picks: %s\n", strings.Join(p.Current, ", "))

		for _, sale := range p.Reconcile.ExternalSales {
			fmt.Fprintf(&b, "External sale: %s x%s, est. proceeds $%s\n",
				sale.Symbol, sale.Quantity, sale.EstimatedProceeds)
		}

		if len(p.Executed) == 0 && len(p.Skipped) == 0 {
			b.WriteString("No changes.\n")
		}
		for _, t := range p.Executed {
			fmt.Fprintf(&b, "%-4s %s  qty %s  $%s\n", t.Action, t.Symbol, t.Quantity, t.Total)
		}
		for _, sk := range p.Skipped {
			fmt.Fprintf(&b, "SKIPPED %s %s: %s\n", sk.Action, sk.Symbol, sk.Reason)
		}
		fmt.Fprintf(&b, "Initial capital $%s, proceeds $%s, spent $%s\n", p.Capital, p.Proceeds, p.Spent)

		if len(p.Ledger) > 0 {
			b.WriteString("Holdings:\n")
			for _, rec := range p.Ledger {
				fmt.Fprintf(&b, "  %-6s qty %s  cost $%s\n", rec.Symbol, rec.Quantity, rec.TotalCost)
			}
		}
	}

	return b.String()
}
