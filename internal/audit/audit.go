// Package audit keeps an append-only trail of completed risk runs: a JSONL
// file under <home>/logs and, when a sink is attached, the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
	"github.com/basket/taskrisk/internal/shared"
)

// FileName is the JSONL file written under <home>/logs.
const FileName = "risk_audit.jsonl"

type entry struct {
	Timestamp   string                     `json:"timestamp"`
	TraceID     string                     `json:"trace_id,omitempty"`
	TaskID      string                     `json:"task_id"`
	RunID       string                     `json:"run_id"`
	RecordID    string                     `json:"record_id,omitempty"`
	Score       float64                    `json:"score"`
	Level       risk.Level                 `json:"level"`
	Stored      bool                       `json:"stored"`
	Provenances map[string]risk.Provenance `json:"provenances"`
	Failures    map[string]string          `json:"failures,omitempty"`
}

// Sink receives a copy of every entry, e.g. the sqlite store.
type Sink interface {
	InsertAudit(ctx context.Context, e persistence.AuditEntry) error
}

type Log struct {
	mu   sync.Mutex
	file *os.File
	sink Sink
	now  func() time.Time

	fallbackRuns atomic.Int64
}

// Open creates <homeDir>/logs/risk_audit.jsonl if needed and appends to it.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &Log{file: f, now: time.Now}, nil
}

// SetSink attaches a second destination for entries.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// FallbackRuns counts runs where at least one analyzer fell back.
func (l *Log) FallbackRuns() int64 {
	return l.fallbackRuns.Load()
}

// RecordRun appends one entry for a completed run.
func (l *Log) RecordRun(ctx context.Context, rec *risk.Record, stored bool) error {
	if rec == nil {
		return nil
	}
	failures := failureReasons(rec.Components)
	if len(failures) > 0 {
		l.fallbackRuns.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	now := l.now().UTC()
	ev := entry{
		Timestamp:   now.Format(time.RFC3339Nano),
		TraceID:     traceID,
		TaskID:      rec.TaskID,
		RunID:       rec.RunID,
		RecordID:    rec.ID,
		Score:       rec.Score,
		Level:       rec.Level,
		Stored:      stored,
		Provenances: rec.Provenances(),
		Failures:    failures,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if _, err := l.file.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
	}
	if l.sink != nil {
		if err := l.sink.InsertAudit(ctx, persistence.AuditEntry{
			TraceID:     traceID,
			TaskID:      rec.TaskID,
			RunID:       rec.RunID,
			Score:       rec.Score,
			Level:       rec.Level,
			Stored:      stored,
			Provenances: ev.Provenances,
			CreatedAt:   now,
		}); err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
	}
	return nil
}

// failureReasons maps each fallen-back component to its redacted failure text.
func failureReasons(c risk.Components) map[string]string {
	out := map[string]string{}
	add := func(name, failure string) {
		if failure != "" {
			out[name] = shared.Redact(failure)
		}
	}
	add(risk.ComponentComplexity, c.Complexity.Failure)
	add(risk.ComponentRoleFit, c.RoleFit.Failure)
	add(risk.ComponentDependency, c.Dependency.Failure)
	add(risk.ComponentCommunication, c.Communication.Failure)
	if len(out) == 0 {
		return nil
	}
	return out
}
