package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/doctor"
	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
)

func sampleRecord(t *testing.T) *risk.Record {
	t.Helper()
	var c risk.Components
	c.Time = risk.TimeUrgency{TimeLeftHours: 4.5, Provenance: risk.ProvenanceRule}
	c.Complexity = risk.Complexity{Score: 62, Environment: risk.EnvironmentIndoor, Provenance: risk.ProvenanceFallback}
	c.RoleFit = risk.RoleFit{Total: 7, Category: "partial match", Provenance: risk.ProvenanceService}
	c.Dependency = risk.Dependency{Score: 4, CriticalCount: 1, Provenance: risk.ProvenanceService}
	c.Communication = risk.Communication{Engagement: "low", CommentCount: 2, RiskIndicators: []string{"missed promise"}, Provenance: risk.ProvenanceFallback}
	agg, err := risk.NewAggregator(risk.DefaultWeights())
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	rec := agg.Aggregate("t-api", c, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec.RunID = "run-1"
	return rec
}

func TestPrinterAssessmentPlain(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinterStyled(&buf, false)
	rec := sampleRecord(t)
	p.Assessment(&risk.Assessment{Record: rec, Stored: false, Stale: true, JobID: "job-9"})

	out := buf.String()
	for _, want := range []string{
		"Risk assessment",
		"Task t-api",
		strings.ToUpper(string(rec.Level)),
		"stale, not stored, recompute queued as job-9",
		"complexity",
		"fallback",
		"Deadline: 4.5h left",
		"! missed promise",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output contains escape codes:\n%s", out)
	}
}

func TestPrinterHistoryListsFallbacks(t *testing.T) {
	var buf bytes.Buffer
	newPrinterStyled(&buf, false).History("t-api", []*risk.Record{sampleRecord(t)})
	if !strings.Contains(buf.String(), "communication,complexity") {
		t.Fatalf("expected sorted fallback list:\n%s", buf.String())
	}

	buf.Reset()
	newPrinterStyled(&buf, false).History("t-api", nil)
	if !strings.Contains(buf.String(), "No assessments for t-api") {
		t.Fatalf("unexpected empty output: %q", buf.String())
	}
}

func TestPrinterTasks(t *testing.T) {
	score := 71.5
	tasks := []persistence.Task{
		{ID: "t-1", Status: "todo"},
		{ID: "t-2", Status: "in_progress", RiskScore: &score, RiskLevel: string(risk.LevelCritical)},
	}
	var buf bytes.Buffer
	newPrinterStyled(&buf, false).Tasks(tasks)
	out := buf.String()
	if !strings.Contains(out, "71.5") || !strings.Contains(out, "CRITICAL") {
		t.Fatalf("missing risk summary:\n%s", out)
	}
}

func TestPrinterDiagnosis(t *testing.T) {
	d := doctor.Diagnosis{
		Timestamp: time.Now(),
		Results: []doctor.CheckResult{
			{Name: "Config", Status: "PASS", Message: "ok"},
			{Name: "Database", Status: "WARN", Message: "1 recompute job(s) in dead letter", Detail: "schema=v1"},
		},
	}
	var buf bytes.Buffer
	newPrinterStyled(&buf, false).Diagnosis(d)
	out := buf.String()
	if !strings.Contains(out, "WARN Database") || !strings.Contains(out, "schema=v1") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}
