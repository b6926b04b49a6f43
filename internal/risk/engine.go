package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/basket/taskrisk/internal/bus"
	otelPkg "github.com/basket/taskrisk/internal/otel"
	"github.com/basket/taskrisk/internal/reasoning"
	"github.com/basket/taskrisk/internal/shared"
)

// SnapshotSource supplies read-only task snapshots. It returns ErrNotFound
// for unknown ids.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, taskID string, now time.Time) (*TaskSnapshot, error)
}

// RecordStore persists risk records. Records are append-only.
type RecordStore interface {
	// SaveRecord stores rec and returns its id.
	SaveRecord(ctx context.Context, rec *Record) (string, error)
	// LatestRecord returns nil, nil when the task has never been scored.
	LatestRecord(ctx context.Context, taskID string) (*Record, error)
	RecordHistory(ctx context.Context, taskID string, since time.Time) ([]*Record, error)
	UpdateTaskRiskSummary(ctx context.Context, taskID string, score float64, level Level, at time.Time) error
}

// RecordCache holds the most recent record per task for a limited time.
type RecordCache interface {
	Get(ctx context.Context, taskID string) (*Record, bool, error)
	Set(ctx context.Context, taskID string, rec *Record, ttl time.Duration) error
}

// Enqueuer schedules a background recompute.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) (string, error)
}

// Auditor receives every completed run.
type Auditor interface {
	RecordRun(ctx context.Context, rec *Record, stored bool) error
}

// Mode selects how Assess behaves on a cache miss.
type Mode int

const (
	// ModeSync computes a fresh record before returning.
	ModeSync Mode = iota
	// ModeStaleWhileRevalidate returns the latest persisted record, if
	// any, and queues a recompute.
	ModeStaleWhileRevalidate
)

// AssessOptions tune a single Assess call.
type AssessOptions struct {
	Mode Mode
	// Force skips the cache and always recomputes.
	Force bool
}

// EngineConfig wires an Engine. Only Snapshots is required.
type EngineConfig struct {
	Snapshots SnapshotSource
	Store     RecordStore
	Cache     RecordCache
	Jobs      Enqueuer
	Audit     Auditor
	// Client talks to the reasoning service. Nil runs every analyzer on
	// its deterministic path.
	Client  *reasoning.Client
	Weights Weights
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Now     func() time.Time
}

// Engine runs the scoring pipeline for one task at a time, coalescing
// concurrent requests for the same task.
type Engine struct {
	snapshots SnapshotSource
	store     RecordStore
	cache     RecordCache
	jobs      Enqueuer
	audit     Auditor
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	now       func() time.Time

	agg           *Aggregator
	complexity    *ComplexityAnalyzer
	roleFit       *RoleFitAnalyzer
	dependency    *DependencyImpactAnalyzer
	communication *CommunicationRiskAnalyzer

	flight singleflight.Group
}

// NewEngine validates cfg and builds the analyzers.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("engine: snapshot source is required")
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	agg, err := NewAggregator(cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := loggerOrDefault(cfg.Logger)
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		snapshots:     cfg.Snapshots,
		store:         cfg.Store,
		cache:         cfg.Cache,
		jobs:          cfg.Jobs,
		audit:         cfg.Audit,
		bus:           cfg.Bus,
		logger:        logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		agg:           agg,
		complexity:    NewComplexityAnalyzer(cfg.Client, logger),
		roleFit:       NewRoleFitAnalyzer(cfg.Client, logger),
		dependency:    NewDependencyImpactAnalyzer(cfg.Client, logger),
		communication: NewCommunicationRiskAnalyzer(cfg.Client, logger),
	}, nil
}

// Weights returns the canonical weight table in use.
func (e *Engine) Weights() Weights { return e.agg.Weights() }

// Assess returns a risk record for taskID. Reasoning, cache and
// persistence failures are absorbed; only ErrNotFound, ErrInvalidInput and
// the caller's own cancellation are returned as errors.
func (e *Engine) Assess(ctx context.Context, taskID string, opts AssessOptions) (*Assessment, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, &InputError{Field: "task_id", Reason: "must not be empty"}
	}
	ctx = shared.WithTaskID(ctx, taskID)

	snap, err := e.snapshots.LoadSnapshot(ctx, taskID, e.now())
	if err != nil {
		return nil, err
	}
	if err := Validate(snap); err != nil {
		return nil, err
	}

	if !opts.Force && e.cache != nil {
		rec, ok, err := e.cache.Get(ctx, taskID)
		if err != nil {
			e.logger.WarnContext(ctx, "risk cache lookup failed", "error", err)
		}
		e.metrics.RecordCache(ctx, ok)
		if ok {
			return &Assessment{Record: rec, Stored: rec.ID != "", FromCache: true}, nil
		}
	}

	if opts.Mode == ModeStaleWhileRevalidate && !opts.Force {
		if a := e.serveStale(ctx, taskID); a != nil {
			return a, nil
		}
	}

	ch := e.flight.DoChan(taskID, func() (any, error) {
		return e.run(context.WithoutCancel(ctx), snap), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*Assessment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recompute forces a fresh run that is not tied to the caller's lifetime.
func (e *Engine) Recompute(ctx context.Context, taskID string) (*Assessment, error) {
	return e.Assess(context.WithoutCancel(ctx), taskID, AssessOptions{Mode: ModeSync, Force: true})
}

// History lists persisted records for taskID generated at or after since,
// oldest first.
func (e *Engine) History(ctx context.Context, taskID string, since time.Time) ([]*Record, error) {
	if _, err := e.snapshots.LoadSnapshot(ctx, taskID, e.now()); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, nil
	}
	return e.store.RecordHistory(ctx, taskID, since)
}

func (e *Engine) serveStale(ctx context.Context, taskID string) *Assessment {
	if e.store == nil || e.jobs == nil {
		return nil
	}
	latest, err := e.store.LatestRecord(ctx, taskID)
	if err != nil {
		e.logger.WarnContext(ctx, "latest risk record lookup failed", "error", err)
		return nil
	}
	if latest == nil {
		return nil
	}
	jobID, err := e.jobs.Enqueue(context.WithoutCancel(ctx), taskID)
	if err != nil {
		e.logger.WarnContext(ctx, "recompute enqueue failed; computing inline", "error", err)
		return nil
	}
	e.logger.DebugContext(ctx, "served stale risk record", "job_id", jobID)
	return &Assessment{Record: latest, Stored: true, Stale: true, JobID: jobID}
}

func (e *Engine) run(ctx context.Context, snap *TaskSnapshot) *Assessment {
	start := time.Now()
	now := e.now()
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	ctx, span := otelPkg.StartServerSpan(ctx, e.tracer, "risk.assess")
	defer span.End()

	var c Components
	e.observe(ctx, ComponentTime, func(context.Context) (Provenance, string) {
		c.Time = CalculateTimeUrgency(snap.AllocatedHours, snap.Deadline, now)
		return c.Time.Provenance, ""
	})

	var g errgroup.Group
	g.Go(func() error {
		e.observe(ctx, ComponentComplexity, func(ctx context.Context) (Provenance, string) {
			c.Complexity = e.complexity.Analyze(ctx, snap, now)
			return c.Complexity.Provenance, c.Complexity.Failure
		})
		return nil
	})
	g.Go(func() error {
		e.observe(ctx, ComponentRoleFit, func(ctx context.Context) (Provenance, string) {
			c.RoleFit = e.roleFit.Analyze(ctx, snap)
			return c.RoleFit.Provenance, c.RoleFit.Failure
		})
		return nil
	})
	g.Go(func() error {
		e.observe(ctx, ComponentDependency, func(ctx context.Context) (Provenance, string) {
			c.Dependency = e.dependency.Analyze(ctx, snap)
			return c.Dependency.Provenance, c.Dependency.Failure
		})
		return nil
	})
	g.Go(func() error {
		e.observe(ctx, ComponentCommunication, func(ctx context.Context) (Provenance, string) {
			c.Communication = e.communication.Analyze(ctx, snap)
			return c.Communication.Provenance, c.Communication.Failure
		})
		return nil
	})
	_ = g.Wait()

	rec := e.agg.Aggregate(snap.ID, c, now)
	rec.RunID = runID
	stored := e.persist(ctx, rec)

	if e.cache != nil {
		if err := e.cache.Set(ctx, snap.ID, rec, c.Time.CacheTTL); err != nil {
			e.logger.WarnContext(ctx, "risk cache write failed", "error", err)
		}
	}
	if e.audit != nil {
		if err := e.audit.RecordRun(ctx, rec, stored); err != nil {
			e.logger.WarnContext(ctx, "risk audit write failed", "error", err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicRiskComputed, bus.RiskComputedEvent{
			TaskID:     snap.ID,
			RunID:      runID,
			Score:      rec.Score,
			Level:      string(rec.Level),
			Stored:     stored,
			ComputedAt: rec.GeneratedAt,
		})
	}

	span.SetAttributes(
		otelPkg.AttrRiskScore.Float64(rec.Score),
		otelPkg.AttrRiskLevel.String(string(rec.Level)),
	)
	e.metrics.RecordPipeline(ctx, time.Since(start))
	e.logger.InfoContext(ctx, "risk assessed",
		"score", rec.Score,
		"level", string(rec.Level),
		"stored", stored,
	)
	return &Assessment{Record: rec, Stored: stored}
}

// observe wraps one analyzer with a span, a duration metric and fallback
// reporting.
func (e *Engine) observe(ctx context.Context, name string, fn func(context.Context) (Provenance, string)) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "risk.analyzer."+name,
		otelPkg.AttrAnalyzer.String(name),
	)
	defer span.End()

	prov, failure := fn(ctx)
	span.SetAttributes(otelPkg.AttrProvenance.String(string(prov)))
	e.metrics.RecordAnalyzer(ctx, name, string(prov), failure, time.Since(start))
	if prov != ProvenanceFallback {
		return
	}
	span.SetAttributes(otelPkg.AttrFailure.String(failure))
	if e.bus != nil {
		e.bus.Publish(bus.TopicRiskFallback, bus.RiskFallbackEvent{
			TaskID:   shared.TaskID(ctx),
			RunID:    shared.RunID(ctx),
			Analyzer: name,
			Failure:  failure,
		})
	}
}

// persist saves rec and refreshes the task summary. It returns whether the
// record was stored; rec.ID stays empty otherwise.
func (e *Engine) persist(ctx context.Context, rec *Record) bool {
	if e.store == nil {
		return false
	}
	id, err := e.store.SaveRecord(ctx, rec)
	if err != nil {
		e.logger.WarnContext(ctx, "risk record not stored", "error", err)
		e.metrics.RecordPersistFailure(ctx)
		otelPkg.MarkFailed(trace.SpanFromContext(ctx), "persist failed", err)
		if e.bus != nil {
			e.bus.Publish(bus.TopicRiskPersist, bus.RiskPersistEvent{
				TaskID: rec.TaskID,
				RunID:  rec.RunID,
				Error:  err.Error(),
			})
		}
		return false
	}
	rec.ID = id
	if err := e.store.UpdateTaskRiskSummary(ctx, rec.TaskID, rec.Score, rec.Level, rec.GeneratedAt); err != nil {
		e.logger.WarnContext(ctx, "task risk summary not updated", "error", err)
	}
	return true
}

// Validate rejects snapshots the pipeline cannot score meaningfully.
func Validate(t *TaskSnapshot) error {
	switch {
	case t == nil:
		return &InputError{Field: "task", Reason: "missing snapshot"}
	case t.AllocatedHours < 0 || math.IsNaN(t.AllocatedHours) || math.IsInf(t.AllocatedHours, 0):
		return &InputError{Field: "allocated_hours", Reason: fmt.Sprintf("must be a non-negative number, got %v", t.AllocatedHours)}
	case t.Progress < 0 || t.Progress > 100 || math.IsNaN(t.Progress):
		return &InputError{Field: "progress", Reason: fmt.Sprintf("must be within 0..100, got %v", t.Progress)}
	case t.WeatherImpact < 0 || t.WeatherImpact > 100 || math.IsNaN(t.WeatherImpact):
		return &InputError{Field: "weather_impact", Reason: fmt.Sprintf("must be within 0..100, got %v", t.WeatherImpact)}
	case t.StartAt != nil && t.Deadline != nil && t.Deadline.Before(*t.StartAt):
		return &InputError{Field: "deadline", Reason: "is before the start date"}
	}
	return nil
}
