package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/doctor"
	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
)

const testSeed = `
users:
  - id: u-ana
    name: Ana
    job_title: Backend Engineer
    skills: [go, sql]
projects:
  - id: p-1
    name: Billing
    tasks:
      - id: t-api
        name: Invoice API
        description: Build the invoice endpoint with auth and pagination
        status: in_progress
        progress: 0.3
        allocated_hours: 16
        assignee: u-ana
        started_ago: 2d
        deadline_in: 5h
        comments:
          - author: u-ana
            body: I will finish the handler by tomorrow
            ago: 3h
      - id: t-docs
        name: API docs
        status: todo
        allocated_hours: 4
        deadline_in: 3d
        depends_on: [t-api]
`

// setupHome points TASKRISK_HOME at a fresh directory, writes config.yaml and
// clears provider keys so every analyzer runs without the network.
func setupHome(t *testing.T, configYAML string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKRISK_HOME", home)
	t.Setenv("TASKRISK_DB_PATH", "")
	t.Setenv("TASKRISK_CACHE_BACKEND", "")
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(k, "")
	}
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func seedHome(t *testing.T, home string) {
	t.Helper()
	path := filepath.Join(home, "seed.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	out, err := runCmd(t, "seed", path)
	if err != nil {
		t.Fatalf("seed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 tasks, 1 dependencies, 1 comments") {
		t.Fatalf("unexpected seed summary: %q", out)
	}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func scoreJSON(t *testing.T, args ...string) risk.Assessment {
	t.Helper()
	out, err := runCmd(t, append([]string{"score", "--json"}, args...)...)
	if err != nil {
		t.Fatalf("score: %v\n%s", err, out)
	}
	var a risk.Assessment
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("decode assessment: %v\n%s", err, out)
	}
	return a
}

func TestScoreWithoutProviderKeyUsesFallbacks(t *testing.T) {
	home := setupHome(t, "refresh:\n  enabled: false\n")
	seedHome(t, home)

	a := scoreJSON(t, "t-api")
	if a.Record == nil || !a.Stored || a.Record.ID == "" {
		t.Fatalf("expected a stored record, got %+v", a)
	}
	for name, prov := range a.Record.Provenances() {
		if prov == risk.ProvenanceService {
			t.Fatalf("component %s claims service provenance without a provider key", name)
		}
	}
	if a.Record.Components.Time.Provenance != risk.ProvenanceRule {
		t.Fatalf("time provenance = %s, want rule", a.Record.Components.Time.Provenance)
	}
	if _, err := os.Stat(filepath.Join(home, "logs", "risk_audit.jsonl")); err != nil {
		t.Fatalf("audit log missing: %v", err)
	}

	out, err := runCmd(t, "history", "t-api", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var recs []*risk.Record
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != a.Record.ID {
		t.Fatalf("history = %+v, want the single stored record", recs)
	}

	out, err = runCmd(t, "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, "t-api") || !strings.Contains(out, strings.ToUpper(string(a.Record.Level))) {
		t.Fatalf("tasks output lacks the scored summary:\n%s", out)
	}
}

func TestScoreServesFromSQLiteCacheAcrossRuns(t *testing.T) {
	home := setupHome(t, "cache:\n  backend: sqlite\nrefresh:\n  enabled: false\n")
	seedHome(t, home)

	first := scoreJSON(t, "t-api")
	if first.FromCache {
		t.Fatal("first run cannot come from cache")
	}
	second := scoreJSON(t, "t-api")
	if !second.FromCache || second.Record.RunID != first.Record.RunID {
		t.Fatalf("expected cached record from first run, got %+v", second)
	}
	forced := scoreJSON(t, "t-api", "--force")
	if forced.FromCache || forced.Record.RunID == first.Record.RunID {
		t.Fatalf("--force should recompute, got %+v", forced)
	}

	// Reseeding drops the cached entry.
	seedHome(t, home)
	after := scoreJSON(t, "t-api")
	if after.FromCache {
		t.Fatal("expected a miss after reseeding")
	}
}

func TestScoreAsyncQueuesRecompute(t *testing.T) {
	home := setupHome(t, "refresh:\n  enabled: false\n")
	seedHome(t, home)

	// Nothing stored yet: computed inline.
	first := scoreJSON(t, "t-docs", "--async")
	if first.Stale || !first.Stored {
		t.Fatalf("first async call should compute inline, got %+v", first)
	}
	second := scoreJSON(t, "t-docs", "--async")
	if !second.Stale || second.JobID == "" {
		t.Fatalf("expected stale record with queued job, got %+v", second)
	}
}

func TestScoreUnknownTask(t *testing.T) {
	setupHome(t, "refresh:\n  enabled: false\n")
	_, err := runCmd(t, "score", "nope")
	if !errors.Is(err, risk.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSeedRejectsUnknownFields(t *testing.T) {
	home := setupHome(t, "")
	path := filepath.Join(home, "bad.yaml")
	if err := os.WriteFile(path, []byte("projects:\n  - id: p\n    owner: nobody\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "seed", path); err == nil {
		t.Fatal("expected parse error for unknown field")
	}
}

func TestDoctorJSON(t *testing.T) {
	setupHome(t, "refresh:\n  enabled: false\n")
	out, _ := runCmd(t, "doctor", "--json")
	// Network may fail offline; only the local checks are asserted.
	start := strings.Index(out, "{")
	if start < 0 {
		t.Fatalf("no JSON in output: %q", out)
	}
	var d doctor.Diagnosis
	if err := json.NewDecoder(strings.NewReader(out[start:])).Decode(&d); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	want := map[string]string{"Config": "PASS", "Database": "PASS", "Refresh": "SKIP", "API Key": "WARN"}
	for _, r := range d.Results {
		if status, ok := want[r.Name]; ok && r.Status != status {
			t.Errorf("%s = %s (%s), want %s", r.Name, r.Status, r.Message, status)
		}
	}
}

func TestServeProcessesQueuedJobs(t *testing.T) {
	home := setupHome(t, "log_level: error\nrefresh:\n  enabled: false\nworkers:\n  poll_interval_ms: 20\n")
	seedHome(t, home)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, appOptions{quiet: true})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	jobID, err := a.queue.Enqueue(ctx, "t-api")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, 5*time.Second) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		job, err := a.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == persistence.JobStatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	latest, err := a.store.LatestRecord(context.Background(), "t-api")
	if err != nil || latest == nil {
		t.Fatalf("expected a stored record, got %v, %v", latest, err)
	}
}

func TestApplyConfigHotReloadsLimits(t *testing.T) {
	setupHome(t, "refresh:\n  enabled: false\n")
	a, err := newApp(context.Background(), appOptions{quiet: true})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	next := a.cfg
	next.Reasoning.TimeoutSeconds = 3
	next.LogLevel = "debug"
	a.applyConfig(next)

	if got := a.client.Limits().Timeout; got != 3*time.Second {
		t.Fatalf("timeout = %s, want 3s", got)
	}
	if a.cfg.LogLevel != "debug" {
		t.Fatalf("log level not recorded: %s", a.cfg.LogLevel)
	}
}
