// Package cron periodically queues risk recomputes for open tasks whose
// stored score has outlived its urgency TTL.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultExpr refreshes every five minutes.
const DefaultExpr = "*/5 * * * *"

// DueSource lists tasks that need a fresh score.
type DueSource interface {
	DueForRefresh(ctx context.Context, now time.Time) ([]string, error)
}

// Enqueuer queues one recompute.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) (string, error)
}

type Config struct {
	Source DueSource
	Jobs   Enqueuer
	// Expr is the cron expression; empty uses DefaultExpr.
	Expr   string
	Logger *slog.Logger
	// Interval is how often the loop checks whether the next run is due;
	// defaults to 1 minute.
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler fires a refresh pass on each cron occurrence.
type Scheduler struct {
	source   DueSource
	jobs     Enqueuer
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Source == nil || cfg.Jobs == nil {
		return nil, fmt.Errorf("cron: source and jobs are required")
	}
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultExpr
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		source:   cfg.Source,
		jobs:     cfg.Jobs,
		schedule: schedule,
		expr:     expr,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. A refresh pass runs immediately, then on
// every cron occurrence.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("refresh scheduler started", "cron", s.expr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("refresh scheduler stopped")
}

// NextRun is the next time a refresh pass will fire.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.now().Before(s.NextRun()) {
				s.fire(ctx)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.nextRun = s.schedule.Next(now)
	s.mu.Unlock()
	if _, err := s.RunOnce(ctx, now); err != nil {
		s.logger.Error("refresh pass failed", "error", err)
	}
}

// RunOnce enqueues a recompute for every task due at now and returns how
// many were queued. Enqueue failures are logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.source.DueForRefresh(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list tasks due for refresh: %w", err)
	}
	queued := 0
	for _, taskID := range due {
		jobID, err := s.jobs.Enqueue(ctx, taskID)
		if err != nil {
			s.logger.Error("refresh enqueue failed", "task_id", taskID, "error", err)
			continue
		}
		queued++
		s.logger.Debug("refresh queued", "task_id", taskID, "job_id", jobID)
	}
	if queued > 0 {
		s.logger.Info("refresh pass queued recomputes", "count", queued, "due", len(due))
	}
	return queued, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
