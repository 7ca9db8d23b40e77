// Package engine orchestrates a rebalance run: capture the leaderboard,
// reconcile the ledger against the broker, plan each portfolio's trades,
// and execute them. One run may be in flight at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/allocator"
	"github.com/satyamallipudi/qms-trading-bot/internal/broker"
	"github.com/satyamallipudi/qms-trading-bot/internal/metrics"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
	"github.com/satyamallipudi/qms-trading-bot/internal/notify"
	"github.com/satyamallipudi/qms-trading-bot/internal/planner"
	"github.com/satyamallipudi/qms-trading-bot/internal/reconcile"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

// ErrRunInProgress is returned when a rebalance is requested while another
// run holds the lock. Triggers never queue.
var ErrRunInProgress = errors.New("engine: rebalance already in progress")

const (
	// DefaultTopN is how many leaderboard picks each portfolio tracks.
	DefaultTopN = 5

	// defaultLegTimeout bounds each broker call within a run.
	defaultLegTimeout = 30 * time.Second
)

// Leaderboard fetches the ranked picks for an index.
type Leaderboard interface {
	FetchTopN(ctx context.Context, indexID string, n int) ([]string, error)
}

// Engine ties the stores, broker, leaderboard, and planner together.
type Engine struct {
	store      store.Store
	broker     broker.Broker
	board      Leaderboard
	notifier   notify.Notifier
	alloc      *allocator.Allocator
	reconciler *reconcile.Reconciler
	portfolios []model.PortfolioConfig
	topN       int
	legTimeout time.Duration
	log        *slog.Logger

	// onRun is invoked with every finished summary, e.g. to broadcast it
	// over WebSocket. Set before serving; called on the run's goroutine.
	onRun func(*model.RunSummary)

	runMu  sync.Mutex
	lastMu sync.RWMutex
	last   *model.RunSummary
}

// Config carries the engine's tunables.
type Config struct {
	TopN       int
	LegTimeout time.Duration
}

// New builds an engine over enabled portfolios only.
func New(st store.Store, br broker.Broker, lb Leaderboard, n notify.Notifier, portfolios []model.PortfolioConfig, cfg Config) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = defaultLegTimeout
	}
	if n == nil {
		n = notify.LogNotifier{}
	}

	enabled := make([]model.PortfolioConfig, 0, len(portfolios))
	for _, p := range portfolios {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}

	return &Engine{
		store:      st,
		broker:     br,
		board:      lb,
		notifier:   n,
		alloc:      allocator.New(),
		reconciler: reconcile.New(st, br),
		portfolios: enabled,
		topN:       cfg.TopN,
		legTimeout: cfg.LegTimeout,
		log:        slog.Default().With("component", "engine"),
	}
}

// OnRun registers a callback invoked with every finished run summary.
func (e *Engine) OnRun(fn func(*model.RunSummary)) { e.onRun = fn }

// Portfolios returns the enabled portfolio configs.
func (e *Engine) Portfolios() []model.PortfolioConfig { return e.portfolios }

// LastRun returns the most recent run summary, or nil before the first.
func (e *Engine) LastRun() *model.RunSummary {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

// ExecuteRebalance performs one full run across every enabled portfolio.
// If a run is already in flight it returns ErrRunInProgress immediately.
// Portfolio failures are isolated: one portfolio erroring never stops its
// siblings, and the summary always reports exactly what happened.
func (e *Engine) ExecuteRebalance(ctx context.Context, dryRun bool) (*model.RunSummary, error) {
	if !e.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	summary := &model.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		DryRun:    dryRun,
	}
	log := e.log.With("run_id", summary.RunID, "dry_run", dryRun)
	log.Info("rebalance run started", "portfolios", len(e.portfolios))

	// Trade matching runs first so fills from the previous run are
	// attributed before today's reconciliation. Best effort.
	if match, err := e.reconciler.MatchTradeHistory(ctx); err != nil {
		log.Warn("trade-history matching failed", "error", err)
	} else {
		summary.TradeMatch = match
		metrics.TradeMatchMisses.WithLabelValues("missing").Add(float64(match.Missing))
		metrics.TradeMatchMisses.WithLabelValues("unfilled").Add(float64(match.Unfilled))
	}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.finish(summary, "failed")
		return summary, fmt.Errorf("engine: fetch broker positions: %w", err)
	}

	records, err := e.store.ListAllOwnership(ctx)
	if err != nil {
		e.finish(summary, "failed")
		return summary, fmt.Errorf("engine: load ownership ledger: %w", err)
	}

	names := make([]string, len(e.portfolios))
	for i, p := range e.portfolios {
		names[i] = p.Name
	}
	views := e.alloc.Views(positions, records, names)

	// One leaderboard fetch per distinct index.
	tops := make(map[string][]string)
	topErrs := make(map[string]error)
	for _, p := range e.portfolios {
		if _, done := tops[p.IndexID]; done || topErrs[p.IndexID] != nil {
			continue
		}
		top, err := e.board.FetchTopN(ctx, p.IndexID, e.topN)
		if err != nil {
			log.Error("leaderboard fetch failed", "index_id", p.IndexID, "error", err)
			topErrs[p.IndexID] = err
			continue
		}
		tops[p.IndexID] = top
	}

	indexClean := make(map[string]bool, len(tops))
	for id := range tops {
		indexClean[id] = true
	}

	for _, p := range e.portfolios {
		result := e.runPortfolio(ctx, p, views[p.Name], tops[p.IndexID], topErrs[p.IndexID], dryRun)
		if result.Err != "" {
			indexClean[p.IndexID] = false
		}
		summary.Portfolios = append(summary.Portfolios, result)
	}

	// The captured top-N becomes next run's "previous" only when every
	// portfolio on the index completed; a failed portfolio must see the
	// same diff again. Dry runs never advance the snapshot.
	if !dryRun {
		for id, top := range tops {
			if !indexClean[id] {
				continue
			}
			snap := &model.LeaderboardSnapshot{IndexID: id, Symbols: top, CapturedAt: summary.StartedAt}
			if err := e.store.SaveSnapshot(ctx, snap); err != nil {
				log.Error("persist leaderboard snapshot", "index_id", id, "error", err)
			}
		}
	}

	outcome := "ok"
	for i := range summary.Portfolios {
		if summary.Portfolios[i].Err != "" {
			outcome = "partial"
			break
		}
	}
	e.finish(summary, outcome)

	if err := e.notifier.Notify(ctx, summary); err != nil {
		log.Error("run notification failed", "error", err)
	}
	if e.onRun != nil {
		e.onRun(summary)
	}

	log.Info("rebalance run finished",
		"outcome", outcome,
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String(),
	)
	return summary, nil
}

func (e *Engine) finish(s *model.RunSummary, outcome string) {
	s.FinishedAt = time.Now().UTC()
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())

	e.lastMu.Lock()
	e.last = s
	e.lastMu.Unlock()
}

// runPortfolio executes one portfolio's slice of the run. Every error path
// lands in result.Err so siblings keep going.
func (e *Engine) runPortfolio(ctx context.Context, p model.PortfolioConfig, view *allocator.View, top []string, topErr error, dryRun bool) model.PortfolioResult {
	result := model.PortfolioResult{Portfolio: p.Name, IndexID: p.IndexID, Current: top, Capital: p.InitialCapital}
	log := e.log.With("portfolio", p.Name, "index_id", p.IndexID)

	if topErr != nil {
		result.Err = fmt.Sprintf("leaderboard fetch: %v", topErr)
		return result
	}

	// Reconcile before planning so the planner sees broker truth.
	report, err := e.reconciler.DetectExternalSales(ctx, p.Name, view)
	if err != nil {
		result.Err = fmt.Sprintf("reconcile: %v", err)
		return result
	}
	result.Reconcile = report
	metrics.ExternalSalesDetected.WithLabelValues(p.Name).Add(float64(len(report.ExternalSales)))

	if prev, err := e.store.GetSnapshot(ctx, p.IndexID); err == nil {
		result.Previous = prev.Symbols
	} else if !errors.Is(err, store.ErrNotFound) {
		result.Err = fmt.Sprintf("load previous snapshot: %v", err)
		return result
	}

	// Ownership is re-read post-shrink.
	ledgerRecs, err := e.store.ListOwnership(ctx, p.Name)
	if err != nil {
		result.Err = fmt.Sprintf("load ledger: %v", err)
		return result
	}
	owned := make(map[string]decimal.Decimal, len(ledgerRecs))
	for _, rec := range ledgerRecs {
		owned[rec.Symbol] = rec.Quantity
	}

	hasTraded, err := e.store.HasTraded(ctx, p.Name)
	if err != nil {
		result.Err = fmt.Sprintf("trade lookup: %v", err)
		return result
	}

	sales, err := e.store.ListUnconsumedExternalSales(ctx, p.Name)
	if err != nil {
		result.Err = fmt.Sprintf("load external sales: %v", err)
		return result
	}

	prices := e.fetchSellPrices(ctx, owned, top)

	plan := planner.Build(planner.Input{
		Portfolio:      p.Name,
		InitialCapital: p.InitialCapital,
		HasTraded:      hasTraded,
		Current:        top,
		Previous:       result.Previous,
		Owned:          owned,
		Held:           view.Untracked,
		Prices:         prices,
		ExternalSales:  sales,
	})
	result.Plan = plan

	if dryRun {
		log.Info("dry run, plan not executed",
			"sells", len(plan.Sells), "buys", len(plan.Buys))
	} else {
		exec := e.executePlan(ctx, plan, prices)
		result.Executed = exec.executed
		result.Skipped = exec.skipped
		result.Proceeds = exec.proceeds
		result.Spent = exec.spent
	}

	if final, err := e.store.ListOwnership(ctx, p.Name); err == nil {
		result.Ledger = final
	} else {
		log.Error("load final ledger for report", "error", err)
	}
	return result
}

// fetchSellPrices prices the owned symbols that are about to leave the
// portfolio. Failures degrade the proceeds estimate, nothing more.
func (e *Engine) fetchSellPrices(ctx context.Context, owned map[string]decimal.Decimal, top []string) map[string]decimal.Decimal {
	ranked := make(map[string]bool, len(top))
	for _, sym := range top {
		ranked[sym] = true
	}

	prices := make(map[string]decimal.Decimal)
	for sym := range owned {
		if ranked[sym] {
			continue
		}
		legCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
		price, err := e.broker.GetCurrentPrice(legCtx, sym)
		cancel()
		if err != nil {
			e.log.Warn("price lookup failed", "symbol", sym, "error", err)
			continue
		}
		prices[sym] = price
	}
	return prices
}
