// Package cron runs the retention sweep on a cron expression: a ticker loop
// checks once a minute whether the schedule is due and prunes old events,
// settled delivery ledger rows, and long-expired claims.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskherald/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store          *store.Store
	Logger         *slog.Logger
	CronExpr       string        // when to sweep, e.g. "17 3 * * *"
	EventsDays     int           // prune events older than this; 0 disables
	DeliveriesDays int           // prune settled ledger rows older than this; 0 disables
	Interval       time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires the retention sweep whenever the cron expression comes due.
type Scheduler struct {
	store          *store.Store
	logger         *slog.Logger
	cronExpr       string
	eventsDays     int
	deliveriesDays int
	interval       time.Duration

	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The cron expression is validated on the
// first tick, not here; a bad expression logs and disables the sweep.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:          cfg.Store,
		logger:         logger,
		cronExpr:       cfg.CronExpr,
		eventsDays:     cfg.EventsDays,
		deliveriesDays: cfg.DeliveriesDays,
		interval:       interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	next, err := NextRunTime(s.cronExpr, time.Now())
	if err != nil {
		s.logger.Error("retention: invalid cron expression, sweeps disabled",
			"cron", s.cronExpr, "error", err)
		return
	}
	s.nextRun = next

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started",
		"cron", s.cronExpr, "next_run_at", s.nextRun,
		"events_days", s.eventsDays, "deliveries_days", s.deliveriesDays)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires the sweep when the schedule is due and advances next_run.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if now.Before(s.nextRun) {
		return
	}
	s.fire(ctx)

	next, err := NextRunTime(s.cronExpr, now)
	if err != nil {
		s.logger.Error("retention: failed to compute next run time",
			"cron", s.cronExpr, "error", err)
		return
	}
	s.nextRun = next
}

// fire runs one retention sweep.
func (s *Scheduler) fire(ctx context.Context) {
	result, err := s.store.RunRetention(ctx, s.eventsDays, s.deliveriesDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep finished",
		"events_pruned", result.Events,
		"deliveries_pruned", result.Deliveries,
		"expired_claims_pruned", result.ExpiredClaims,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
