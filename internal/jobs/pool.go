// Package jobs runs background risk recomputes. Jobs live in the sqlite
// queue; a Pool of workers claims them under a lease, runs the engine and
// records success, retry or dead-letter.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	otelPkg "github.com/basket/taskrisk/internal/otel"
	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
	"github.com/basket/taskrisk/internal/shared"
)

// Store is the queue surface the pool and Queue need.
type Store interface {
	EnqueueJob(ctx context.Context, taskID string) (string, error)
	ClaimNextJob(ctx context.Context) (*persistence.Job, error)
	StartJob(ctx context.Context, jobID, leaseOwner string) error
	HeartbeatJob(ctx context.Context, jobID, leaseOwner string) (bool, error)
	CompleteJob(ctx context.Context, jobID string) error
	HandleJobFailure(ctx context.Context, jobID, errMsg string) (persistence.FailureDecision, error)
	RequeueExpiredLeases(ctx context.Context) (int64, error)
}

// Recomputer produces a fresh stored assessment for a task.
type Recomputer interface {
	Recompute(ctx context.Context, taskID string) (*risk.Assessment, error)
}

// Queue adapts the store to the engine's Enqueuer.
type Queue struct {
	store Store
}

func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

func (q *Queue) Enqueue(ctx context.Context, taskID string) (string, error) {
	return q.store.EnqueueJob(ctx, taskID)
}

// Outcomes reported to metrics.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
)

var errNotStored = errors.New("recomputed record was not stored")

type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *otelPkg.Metrics
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	Processed   int64  `json:"processed"`
	LastError   string `json:"last_error,omitempty"`
}

type Pool struct {
	store   Store
	engine  Recomputer
	config  Config
	logger  *slog.Logger
	metrics *otelPkg.Metrics

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	processed  atomic.Int64
	lastError  atomic.Pointer[string]
}

func NewPool(store Store, engine Recomputer, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:   store,
		engine:  engine,
		config:  cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		if n, err := p.store.RequeueExpiredLeases(ctx); err != nil {
			p.logger.Error("requeue expired leases failed", "error", err)
		} else if n > 0 {
			p.logger.Info("requeued stale jobs on startup", "count", n)
		}
		for i := 0; i < p.config.WorkerCount; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx)
			}()
		}
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits up to timeout for workers to finish after their context was
// cancelled. Jobs still leased when it gives up are requeued by the next
// pool once the lease expires.
func (p *Pool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("job pool drained cleanly")
		return true
	case <-time.After(timeout):
		p.logger.Warn("job pool drain timeout; leased jobs will be requeued", "timeout", timeout)
		return false
	}
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.store.RequeueExpiredLeases(ctx); err != nil && ctx.Err() == nil {
			p.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}
		job, err := p.store.ClaimNextJob(ctx)
		if err != nil && ctx.Err() == nil {
			p.setLastError(err)
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if err := p.store.StartJob(ctx, job.ID, job.LeaseOwner); err != nil {
			p.setLastError(fmt.Errorf("start job: %w", err))
			continue
		}
		p.handleJob(ctx, *job)
	}
}

func (p *Pool) handleJob(ctx context.Context, job persistence.Job) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithJobID(ctx, job.ID)
	ctx = shared.WithTaskID(ctx, job.TaskID)
	logger := p.logger.With(shared.LogAttrs(ctx)...)
	logger.Debug("job processing", "attempt", job.Attempt+1)

	p.activeJobs.Add(1)
	defer p.activeJobs.Add(-1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	go p.heartbeat(jobCtx, job)

	type result struct {
		a   *risk.Assessment
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := p.engine.Recompute(jobCtx, job.TaskID)
		done <- result{a, err}
	}()

	var err error
	select {
	case res := <-done:
		err = res.err
		if err == nil && !res.a.Stored {
			err = errNotStored
		}
	case <-jobCtx.Done():
		// The engine keeps running detached and still refreshes the cache.
		err = fmt.Errorf("job timeout exceeded: %w", jobCtx.Err())
	}

	// Outcome writes must land even when the pool is shutting down.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		p.setLastError(err)
		decision, ferr := p.store.HandleJobFailure(bg, job.ID, err.Error())
		if ferr != nil {
			logger.Error("record job failure", "error", ferr)
			return
		}
		outcome := OutcomeRetried
		if decision.Outcome == persistence.FailureOutcomeDeadLetter {
			outcome = OutcomeDeadLetter
		}
		p.metrics.RecordJob(bg, outcome)
		logger.Warn("job failed", "error", err, "outcome", decision.Outcome,
			"attempt", decision.Attempt, "reason_code", decision.ReasonCode)
		return
	}

	if err := p.store.CompleteJob(bg, job.ID); err != nil {
		p.setLastError(err)
		logger.Error("complete job", "error", err)
		return
	}
	p.processed.Add(1)
	p.metrics.RecordJob(bg, OutcomeSucceeded)
	logger.Info("job succeeded")
}

func (p *Pool) heartbeat(ctx context.Context, job persistence.Job) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.HeartbeatJob(context.WithoutCancel(ctx), job.ID, job.LeaseOwner)
			if err != nil {
				p.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				p.setLastError(fmt.Errorf("lease heartbeat rejected for job %s", job.ID))
				return
			}
		}
	}
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}

func (p *Pool) Status() Status {
	status := Status{
		WorkerCount: p.config.WorkerCount,
		ActiveJobs:  p.activeJobs.Load(),
		Processed:   p.processed.Load(),
	}
	if ptr := p.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
