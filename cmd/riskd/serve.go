package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrisk/internal/bus"
	"github.com/basket/taskrisk/internal/config"
	"github.com/basket/taskrisk/internal/cron"
	"github.com/basket/taskrisk/internal/jobs"
)

const kvPurgeInterval = time.Hour

func newServeCmd(root *rootOptions) *cobra.Command {
	var drainTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recompute workers and scheduled refresh",
		Long: `Run queued recomputes, sweep tasks whose cached score has outlived its
urgency window, and apply config.yaml changes that need no restart. Stops on
SIGINT or SIGTERM after draining in-flight jobs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{root: root})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), drainTimeout)
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "How long to wait for in-flight jobs on shutdown")
	return cmd
}

func (a *app) serve(ctx context.Context, drainTimeout time.Duration) error {
	logger := a.logger.Logger

	var sched *cron.Scheduler
	if a.cfg.Refresh.Enabled {
		var err error
		sched, err = cron.NewScheduler(cron.Config{
			Source: a.store,
			Jobs:   a.queue,
			Expr:   a.cfg.Refresh.Cron,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("refresh scheduler: %w", err)
		}
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	events := a.bus.Subscribe()
	defer a.bus.Unsubscribe(events)
	go a.logEvents(events)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	pool := jobs.NewPool(a.store, a.engine, jobs.Config{
		WorkerCount:  a.cfg.Workers.Count,
		PollInterval: a.cfg.PollInterval(),
		JobTimeout:   a.cfg.JobTimeout(),
		Logger:       logger,
		Metrics:      a.metrics,
	})
	pool.Start(workerCtx)
	if sched != nil {
		sched.Start(ctx)
	}

	logger.Info("riskd serving",
		"version", Version,
		"workers", a.cfg.Workers.Count,
		"refresh", a.cfg.Refresh.Enabled,
		"cache", a.cfg.Cache.Backend,
		"provider", a.cfg.LLM.Provider,
		"config_fingerprint", a.cfg.Fingerprint())

	reloads := watcher.Reloads()
	purge := time.NewTicker(kvPurgeInterval)
	defer purge.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			if ev.Err != nil {
				logger.Error("config.yaml reload rejected; keeping previous settings", "path", ev.Path, "error", ev.Err)
				continue
			}
			a.applyConfig(ev.Config)
		case <-purge.C:
			if n, err := a.store.PurgeExpiredKV(ctx); err != nil {
				logger.Warn("kv purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("purged expired kv entries", "count", n)
			}
		}
	}

	logger.Info("shutdown requested")
	if sched != nil {
		sched.Stop()
	}
	stopWorkers()
	pool.Drain(drainTimeout)
	st := pool.Status()
	logger.Info("riskd stopped", "processed", st.Processed, "last_error", st.LastError)
	return nil
}

// applyConfig takes over the settings that can change at runtime and warns
// about the rest.
func (a *app) applyConfig(newCfg config.Config) {
	logger := a.logger.Logger
	if newCfg.LogLevel != a.cfg.LogLevel {
		a.logger.SetLevel(newCfg.LogLevel)
		logger.Info("log level changed", "level", newCfg.LogLevel)
	}
	if newCfg.Reasoning != a.cfg.Reasoning {
		a.client.SetLimits(reasoningLimits(newCfg))
		logger.Info("reasoning limits changed",
			"timeout", newCfg.ReasoningTimeout(),
			"max_response_bytes", newCfg.Reasoning.MaxResponseBytes,
			"stream", newCfg.Reasoning.Stream)
	}
	if newCfg.Weights != a.cfg.Weights || newCfg.Workers != a.cfg.Workers ||
		newCfg.Cache != a.cfg.Cache || newCfg.Refresh != a.cfg.Refresh || newCfg.LLM.Provider != a.cfg.LLM.Provider {
		logger.Warn("config change needs a restart to take effect", "old_fingerprint", a.cfg.Fingerprint(), "new_fingerprint", newCfg.Fingerprint())
	}
	a.cfg.LogLevel = newCfg.LogLevel
	a.cfg.Reasoning = newCfg.Reasoning
}

func (a *app) logEvents(sub *bus.Subscription) {
	logger := a.logger.Logger
	for ev := range sub.Ch() {
		switch p := ev.Payload.(type) {
		case bus.JobEvent:
			if ev.Topic == bus.TopicJobDeadLetter {
				logger.Warn("recompute job gave up", "job_id", p.JobID, "task_id", p.TaskID, "attempt", p.Attempt, "error", p.Error)
				continue
			}
			logger.Debug("job event", "topic", ev.Topic, "job_id", p.JobID, "task_id", p.TaskID, "attempt", p.Attempt)
		case bus.RiskPersistEvent:
			logger.Warn("risk record not persisted", "task_id", p.TaskID, "run_id", p.RunID, "error", p.Error)
		case bus.RiskComputedEvent:
			logger.Debug("risk computed", "task_id", p.TaskID, "score", p.Score, "level", p.Level, "stored", p.Stored)
		}
	}
}
