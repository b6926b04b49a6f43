package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
	"github.com/basket/taskrisk/internal/shared"
)

type fakeSink struct {
	entries []persistence.AuditEntry
	err     error
}

func (f *fakeSink) InsertAudit(_ context.Context, e persistence.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func record(id string) *risk.Record {
	return &risk.Record{
		ID:     id,
		TaskID: "t-api",
		RunID:  "run-1",
		Score:  47.5,
		Level:  risk.LevelHigh,
		Components: risk.Components{
			Time:       risk.TimeUrgency{Provenance: risk.ProvenanceRule},
			Complexity: risk.Complexity{Provenance: risk.ProvenanceFallback, Failure: "timeout: api_key=sk-abcdefghijklmnopqrstuvwxyz123456"},
			RoleFit:    risk.RoleFit{Provenance: risk.ProvenanceService},
		},
	}
}

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", FileName))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordRunWritesEntry(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	sink := &fakeSink{}
	log.SetSink(sink)

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	if err := log.RecordRun(ctx, record(""), false); err != nil {
		t.Fatalf("record run: %v", err)
	}

	lines := readLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected one entry, got %d", len(lines))
	}
	e := lines[0]
	if e["task_id"] != "t-api" || e["stored"] != false || e["trace_id"] != "trace-1" || e["level"] != "high" {
		t.Fatalf("unexpected entry: %#v", e)
	}
	prov := e["provenances"].(map[string]any)
	if prov["complexity"] != "fallback" || prov["time"] != "rule" {
		t.Fatalf("provenances = %#v", prov)
	}
	failures := e["failures"].(map[string]any)
	if msg, _ := failures["complexity"].(string); strings.Contains(msg, "sk-abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("failure text not redacted: %q", msg)
	}
	if log.FallbackRuns() != 1 {
		t.Fatalf("fallback runs = %d", log.FallbackRuns())
	}

	if len(sink.entries) != 1 || sink.entries[0].Stored || sink.entries[0].TraceID != "trace-1" {
		t.Fatalf("sink entries = %+v", sink.entries)
	}
}

func TestRecordRunAppends(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	log.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		if err := log.RecordRun(context.Background(), record(id), true); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}
	lines := readLines(t, home)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, e := range lines {
		if e["record_id"] != []string{"rec-1", "rec-2", "rec-3"}[i] {
			t.Fatalf("line %d out of order: %#v", i, e)
		}
		if e["timestamp"] != "2026-03-10T09:00:00Z" {
			t.Fatalf("timestamp = %v", e["timestamp"])
		}
	}

	// Reopening appends rather than truncating.
	_ = log.Close()
	again, err := Open(home)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if err := again.RecordRun(context.Background(), record("rec-4"), true); err != nil {
		t.Fatal(err)
	}
	if got := len(readLines(t, home)); got != 4 {
		t.Fatalf("expected 4 lines after reopen, got %d", got)
	}
}

func TestRecordRunSinkError(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	log.SetSink(&fakeSink{err: errors.New("disk full")})
	if err := log.RecordRun(context.Background(), record("rec-1"), true); err == nil {
		t.Fatal("expected sink error")
	}
}
