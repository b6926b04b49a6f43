// Package shared holds small helpers used across the risk engine: request
// correlation ids carried on a context and secret redaction for logs and
// prompts.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// Correlation identifies the work a context belongs to. A foreground score
// carries a task and run id; a background recompute adds the job id.
type Correlation struct {
	TraceID string
	TaskID  string
	RunID   string
	JobID   string
}

type correlationKey struct{}

// CorrelationFrom returns the ids attached to ctx. Missing ids are empty.
func CorrelationFrom(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func withCorrelation(ctx context.Context, update func(*Correlation)) context.Context {
	c := CorrelationFrom(ctx)
	update(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.TraceID = id })
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.TaskID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.RunID = id })
}

func WithJobID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.JobID = id })
}

// TraceID returns "-" when no trace id is set so log columns stay aligned.
func TraceID(ctx context.Context) string {
	if id := CorrelationFrom(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

func TaskID(ctx context.Context) string { return CorrelationFrom(ctx).TaskID }
func RunID(ctx context.Context) string  { return CorrelationFrom(ctx).RunID }

// JobID is empty for foreground runs.
func JobID(ctx context.Context) string { return CorrelationFrom(ctx).JobID }

func NewTraceID() string { return uuid.NewString() }
func NewRunID() string   { return uuid.NewString() }

// LogAttrs returns the non-empty ids as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	c := CorrelationFrom(ctx)
	var attrs []any
	for _, kv := range [...]struct{ k, v string }{
		{"trace_id", c.TraceID},
		{"task_id", c.TaskID},
		{"run_id", c.RunID},
		{"job_id", c.JobID},
	} {
		if kv.v != "" {
			attrs = append(attrs, kv.k, kv.v)
		}
	}
	return attrs
}
