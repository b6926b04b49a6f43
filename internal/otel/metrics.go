package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the risk engine's metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PipelineDuration  metric.Float64Histogram
	AnalyzerDuration  metric.Float64Histogram
	AnalyzerFallbacks metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	PersistFailures   metric.Int64Counter
	JobsProcessed     metric.Int64Counter
	ReasoningDuration metric.Float64Histogram
	ReasoningTokens   metric.Int64Counter
	ReasoningCost     metric.Float64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PipelineDuration, err = meter.Float64Histogram("taskrisk.pipeline.duration",
		metric.WithDescription("Full risk assessment duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalyzerDuration, err = meter.Float64Histogram("taskrisk.analyzer.duration",
		metric.WithDescription("Single analyzer duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalyzerFallbacks, err = meter.Int64Counter("taskrisk.analyzer.fallbacks",
		metric.WithDescription("Analyzer results produced by the deterministic fallback"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("taskrisk.cache.hits",
		metric.WithDescription("Risk cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("taskrisk.cache.misses",
		metric.WithDescription("Risk cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistFailures, err = meter.Int64Counter("taskrisk.persist.failures",
		metric.WithDescription("Risk records that could not be stored"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsProcessed, err = meter.Int64Counter("taskrisk.jobs.processed",
		metric.WithDescription("Background recompute jobs processed"),
	)
	if err != nil {
		return nil, err
	}

	m.ReasoningDuration, err = meter.Float64Histogram("taskrisk.reasoning.duration",
		metric.WithDescription("Reasoning service call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReasoningTokens, err = meter.Int64Counter("taskrisk.reasoning.tokens",
		metric.WithDescription("Estimated tokens exchanged with the reasoning service"),
	)
	if err != nil {
		return nil, err
	}

	m.ReasoningCost, err = meter.Float64Counter("taskrisk.reasoning.cost",
		metric.WithDescription("Estimated reasoning spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPipeline records one full assessment.
func (m *Metrics) RecordPipeline(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.Record(ctx, d.Seconds())
}

// RecordAnalyzer records one analyzer run. failure is empty when the
// reasoning service answered.
func (m *Metrics) RecordAnalyzer(ctx context.Context, analyzer, provenance, failure string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalyzerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrAnalyzer.String(analyzer),
		AttrProvenance.String(provenance),
	))
	if failure != "" {
		m.AnalyzerFallbacks.Add(ctx, 1, metric.WithAttributes(
			AttrAnalyzer.String(analyzer),
			AttrFailure.String(failure),
		))
	}
}

// RecordCache counts a cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordPersistFailure counts a record that was computed but not stored.
func (m *Metrics) RecordPersistFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.PersistFailures.Add(ctx, 1)
}

// RecordJob counts a processed job by outcome.
func (m *Metrics) RecordJob(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReasoning records one reasoning call.
func (m *Metrics) RecordReasoning(ctx context.Context, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReasoningDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrProvider.String(provider)))
}

// RecordReasoningUsage records estimated token counts and spend for one call.
func (m *Metrics) RecordReasoningUsage(ctx context.Context, provider string, promptTokens, completionTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.ReasoningTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(AttrProvider.String(provider), attribute.String("direction", "prompt")))
	m.ReasoningTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(AttrProvider.String(provider), attribute.String("direction", "completion")))
	if costUSD > 0 {
		m.ReasoningCost.Add(ctx, costUSD, metric.WithAttributes(AttrProvider.String(provider)))
	}
}
