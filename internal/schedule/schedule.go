// Package schedule runs the weekly rebalance without an external cron.
// A ticker polls the clock and fires once per Monday market-open window,
// tolerant of the process waking a few minutes off the mark.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/satyamallipudi/qms-trading-bot/internal/engine"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

const (
	// The target is Monday 09:30 US market open; the window extends
	// tolerance minutes to either side.
	targetWeekday = time.Monday
	targetHour    = 9
	targetMinute  = 30
	tolerance     = 5 * time.Minute

	pollInterval = 30 * time.Second
)

// Runner is the slice of the engine the scheduler needs.
type Runner interface {
	ExecuteRebalance(ctx context.Context, dryRun bool) (*model.RunSummary, error)
}

// Scheduler fires the weekly run during the Monday open window.
type Scheduler struct {
	runner Runner
	loc    *time.Location
	log    *slog.Logger

	// fired dedupes within a window: the window's start time once a run
	// has been attempted for it.
	fired time.Time
}

// New creates a scheduler on US Eastern time.
func New(runner Runner) (*Scheduler, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner: runner,
		loc:    loc,
		log:    slog.Default().With("component", "schedule"),
	}, nil
}

// Run polls until the context ends. Blocking; call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		"weekday", targetWeekday.String(),
		"time", "09:30",
		"tz", s.loc.String(),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	window, ok := s.windowFor(now.In(s.loc))
	if !ok || window.Equal(s.fired) {
		return
	}
	s.fired = window

	s.log.Info("scheduled rebalance window reached", "window", window)
	if _, err := s.runner.ExecuteRebalance(ctx, false); err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			s.log.Warn("scheduled run skipped, another run in progress")
			return
		}
		s.log.Error("scheduled rebalance failed", "error", err)
	}
}

// windowFor returns the start of the open window containing t, if any.
func (s *Scheduler) windowFor(t time.Time) (time.Time, bool) {
	if t.Weekday() != targetWeekday {
		return time.Time{}, false
	}
	target := time.Date(t.Year(), t.Month(), t.Day(), targetHour, targetMinute, 0, 0, s.loc)
	if t.Before(target.Add(-tolerance)) || t.After(target.Add(tolerance)) {
		return time.Time{}, false
	}
	return target.Add(-tolerance), true
}
