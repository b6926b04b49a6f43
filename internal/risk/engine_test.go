package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/bus"
	"github.com/basket/taskrisk/internal/reasoning"
	"github.com/basket/taskrisk/internal/reasoning/reasoningtest"
	"github.com/basket/taskrisk/internal/shared"
	"github.com/basket/taskrisk/internal/telemetry"
)

type fakeSnapshots struct {
	tasks map[string]*TaskSnapshot
}

func (f *fakeSnapshots) LoadSnapshot(_ context.Context, taskID string, _ time.Time) (*TaskSnapshot, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", taskID, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

type fakeStore struct {
	mu        sync.Mutex
	records   []*Record
	saveErr   error
	summaries map[string]Level
}

func (s *fakeStore) SaveRecord(_ context.Context, rec *Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	cp := *rec
	cp.ID = fmt.Sprintf("rec-%d", len(s.records)+1)
	s.records = append(s.records, &cp)
	return cp.ID, nil
}

func (s *fakeStore) LatestRecord(_ context.Context, taskID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].TaskID == taskID {
			return s.records[i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RecordHistory(_ context.Context, taskID string, since time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.TaskID == taskID && !r.GeneratedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTaskRiskSummary(_ context.Context, taskID string, _ float64, level Level, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries == nil {
		s.summaries = map[string]Level{}
	}
	s.summaries[taskID] = level
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Record
	ttls    map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]*Record{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) Get(_ context.Context, taskID string) (*Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[taskID]
	return rec, ok, nil
}

func (c *mapCache) Set(_ context.Context, taskID string, rec *Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = rec
	c.ttls[taskID] = ttl
	return nil
}

type fakeJobs struct {
	mu     sync.Mutex
	queued []string
}

func (j *fakeJobs) Enqueue(_ context.Context, taskID string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.queued = append(j.queued, taskID)
	return fmt.Sprintf("job-%d", len(j.queued)), nil
}

type fakeAudit struct {
	mu     sync.Mutex
	stored []bool
}

func (a *fakeAudit) RecordRun(_ context.Context, _ *Record, stored bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, stored)
	return nil
}

type engineFixture struct {
	engine *Engine
	store  *fakeStore
	cache  *mapCache
	jobs   *fakeJobs
	audit  *fakeAudit
	bus    *bus.Bus
}

func newEngineFixture(t *testing.T, client *reasoning.Client, tasks ...*TaskSnapshot) *engineFixture {
	t.Helper()
	if len(tasks) == 0 {
		tasks = []*TaskSnapshot{richTask()}
	}
	snaps := &fakeSnapshots{tasks: map[string]*TaskSnapshot{}}
	for _, task := range tasks {
		snaps.tasks[task.ID] = task
	}
	f := &engineFixture{
		store: &fakeStore{},
		cache: newMapCache(),
		jobs:  &fakeJobs{},
		audit: &fakeAudit{},
		bus:   bus.New(),
	}
	e, err := NewEngine(EngineConfig{
		Snapshots: snaps,
		Store:     f.store,
		Cache:     f.cache,
		Jobs:      f.jobs,
		Audit:     f.audit,
		Client:    client,
		Bus:       f.bus,
		Logger:    quietLogger(),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = e
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func routedService() *reasoningtest.Service {
	return reasoningtest.Route(
		"complexity of project tasks", `{"technical_complexity": 70, "scope_complexity": 50, "environment": "indoor"}`,
		"right owner", `{"role_match_score": 1, "workload_score": 2}`,
		"map dependencies", `{"dependent_tasks": [{"task_id": "task-2", "strength": "strong"}], "dependency_score": 4, "critical_count": 0}`,
		"recent discussion", `{"communication_score": 3, "sentiment_score": 4}`,
	)
}

func TestNewEngine_RequiresSnapshots(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatal("expected error without snapshot source")
	}
	if _, err := NewEngine(EngineConfig{Snapshots: &fakeSnapshots{}, Weights: Weights{Time: 50}}); err == nil {
		t.Fatal("expected error for invalid weights")
	}
}

func TestEngine_AssessComputesStoresAndCaches(t *testing.T) {
	f := newEngineFixture(t, testClient(t, routedService()))
	sub := f.bus.Subscribe(bus.TopicRiskComputed)
	defer f.bus.Unsubscribe(sub)

	a, err := f.engine.Assess(context.Background(), "task-1", AssessOptions{})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !a.Stored || a.FromCache || a.Stale {
		t.Fatalf("unexpected flags: %+v", a)
	}
	rec := a.Record
	if rec.ID != "rec-1" || rec.RunID == "" {
		t.Fatalf("ids not set: id=%q run=%q", rec.ID, rec.RunID)
	}
	want := map[string]Provenance{
		ComponentTime:          ProvenanceRule,
		ComponentComplexity:    ProvenanceService,
		ComponentRoleFit:       ProvenanceService,
		ComponentDependency:    ProvenanceService,
		ComponentCommunication: ProvenanceService,
	}
	for name, prov := range rec.Provenances() {
		if want[name] != prov {
			t.Errorf("%s provenance = %s, want %s", name, prov, want[name])
		}
	}
	if rec.Level != LevelForScore(rec.Score) {
		t.Fatalf("level %s does not follow score %v", rec.Level, rec.Score)
	}
	if f.store.summaries["task-1"] != rec.Level {
		t.Fatalf("task summary not updated: %v", f.store.summaries)
	}
	if f.cache.ttls["task-1"] != rec.Components.Time.CacheTTL {
		t.Fatalf("cache ttl = %v, want %v", f.cache.ttls["task-1"], rec.Components.Time.CacheTTL)
	}
	if len(f.audit.stored) != 1 || !f.audit.stored[0] {
		t.Fatalf("audit = %v", f.audit.stored)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.RiskComputedEvent)
		if payload.TaskID != "task-1" || !payload.Stored || payload.Score != rec.Score {
			t.Fatalf("unexpected event: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no risk.computed event")
	}
}

func TestEngine_PersistFailureStillReturnsRecord(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.store.saveErr = errors.New("database is locked")
	sub := f.bus.Subscribe(bus.TopicRiskPersist)
	defer f.bus.Unsubscribe(sub)

	a, err := f.engine.Assess(context.Background(), "task-1", AssessOptions{})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Stored {
		t.Fatal("stored = true after a failed save")
	}
	rec := a.Record
	if rec == nil || rec.ID != "" || len(rec.Contributions) != 5 || rec.Level == "" {
		t.Fatalf("incomplete record: %+v", rec)
	}
	for name, prov := range rec.Provenances() {
		if prov == "" {
			t.Errorf("%s has no provenance", name)
		}
	}
	if f.store.summaries != nil {
		t.Fatal("summary must not be updated for an unstored record")
	}
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("no persist failure event")
	}

	// The unstored record is still cached and reported as unstored.
	again, err := f.engine.Assess(context.Background(), "task-1", AssessOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !again.FromCache || again.Stored {
		t.Fatalf("cached unstored record flags: %+v", again)
	}
}

func TestEngine_NotFound(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.Assess(context.Background(), "missing", AssessOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := f.engine.History(context.Background(), "missing", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("history err = %v, want ErrNotFound", err)
	}
}

func TestEngine_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TaskSnapshot)
		field  string
	}{
		{"negative hours", func(t *TaskSnapshot) { t.AllocatedHours = -4 }, "allocated_hours"},
		{"progress over 100", func(t *TaskSnapshot) { t.Progress = 150 }, "progress"},
		{"weather out of range", func(t *TaskSnapshot) { t.WeatherImpact = -1 }, "weather_impact"},
		{"deadline before start", func(t *TaskSnapshot) {
			t.StartAt = at(48 * time.Hour)
			t.Deadline = at(24 * time.Hour)
		}, "deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := baseTask()
			tt.mutate(task)
			f := newEngineFixture(t, nil, task)

			_, err := f.engine.Assess(context.Background(), task.ID, AssessOptions{})
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			var ie *InputError
			if !errors.As(err, &ie) || ie.Field != tt.field {
				t.Fatalf("field = %v, want %s", ie, tt.field)
			}
			if f.store.count() != 0 {
				t.Fatal("invalid input must not produce a record")
			}
		})
	}

	f := newEngineFixture(t, nil)
	if _, err := f.engine.Assess(context.Background(), "  ", AssessOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank id err = %v", err)
	}
}

func TestEngine_CacheHitAndForce(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Assess(ctx, "task-1", AssessOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Assess(ctx, "task-1", AssessOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache || !second.Stored || second.Record.RunID != first.Record.RunID {
		t.Fatalf("expected cached record, got %+v", second)
	}
	if f.store.count() != 1 {
		t.Fatalf("records = %d, want 1", f.store.count())
	}

	forced, err := f.engine.Assess(ctx, "task-1", AssessOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if forced.FromCache || forced.Record.RunID == first.Record.RunID {
		t.Fatal("force should recompute")
	}
	if f.store.count() != 2 {
		t.Fatalf("records = %d, want 2", f.store.count())
	}
}

func TestEngine_StaleWhileRevalidate(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	// Nothing persisted yet: computes inline.
	a, err := f.engine.Assess(ctx, "task-1", AssessOptions{Mode: ModeStaleWhileRevalidate})
	if err != nil {
		t.Fatal(err)
	}
	if a.Stale || len(f.jobs.queued) != 0 {
		t.Fatalf("first call should compute inline: %+v", a)
	}

	// Cache expired, persisted record present: served stale with a job.
	delete(f.cache.entries, "task-1")
	b, err := f.engine.Assess(ctx, "task-1", AssessOptions{Mode: ModeStaleWhileRevalidate})
	if err != nil {
		t.Fatal(err)
	}
	if !b.Stale || b.JobID != "job-1" || b.Record.ID != a.Record.ID {
		t.Fatalf("expected stale record with job, got %+v", b)
	}
	if len(f.jobs.queued) != 1 || f.jobs.queued[0] != "task-1" {
		t.Fatalf("queued = %v", f.jobs.queued)
	}
	if f.store.count() != 1 {
		t.Fatal("stale serve must not compute")
	}
}

func TestEngine_CoalescesConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	routed := routedService()
	svc := &reasoningtest.Service{RespondFn: func(ctx context.Context, req reasoning.Request) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return routed.RespondFn(ctx, req)
	}}
	client := reasoning.NewClient(svc, reasoning.ClientConfig{
		Limits: reasoning.Limits{Timeout: 5 * time.Second},
		Logger: quietLogger(),
	})
	f := newEngineFixture(t, client)

	var wg sync.WaitGroup
	runIDs := make([]string, 5)
	for i := range runIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.engine.Assess(context.Background(), "task-1", AssessOptions{Force: true})
			if err != nil {
				t.Errorf("Assess: %v", err)
				return
			}
			runIDs[i] = a.Record.RunID
		}()
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Calls() == 4 })
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if svc.Calls() != 4 {
		t.Fatalf("service calls = %d, want one per analyzer", svc.Calls())
	}
	sort.Strings(runIDs)
	if runIDs[0] != runIDs[len(runIDs)-1] {
		t.Fatalf("callers got different runs: %v", runIDs)
	}
	if f.store.count() != 1 {
		t.Fatalf("records = %d, want 1", f.store.count())
	}
}

func TestEngine_AbandonedCallStillCompletes(t *testing.T) {
	release := make(chan struct{})
	svc := &reasoningtest.Service{RespondFn: func(context.Context, reasoning.Request) (string, error) {
		<-release
		return "", errors.New("connection reset by peer")
	}}
	client := reasoning.NewClient(svc, reasoning.ClientConfig{
		Limits: reasoning.Limits{Timeout: 5 * time.Second},
		Logger: quietLogger(),
	})
	f := newEngineFixture(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Assess(ctx, "task-1", AssessOptions{})
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return svc.Calls() > 0 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return f.store.count() == 1 })
	rec, _ := f.store.LatestRecord(context.Background(), "task-1")
	if rec.Components.Complexity.Provenance != ProvenanceFallback {
		t.Fatalf("complexity provenance = %s", rec.Components.Complexity.Provenance)
	}
}

func TestEngine_RecomputeIgnoresCallerCancellation(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := f.engine.Recompute(ctx, "task-1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !a.Stored || a.FromCache {
		t.Fatalf("unexpected flags: %+v", a)
	}
}

func TestEngine_FallbackEventsPublished(t *testing.T) {
	f := newEngineFixture(t, testClient(t, reasoningtest.Status(500)))
	sub := f.bus.Subscribe(bus.TopicRiskFallback)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.engine.Assess(context.Background(), "task-1", AssessOptions{}); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-sub.Ch():
			p := ev.Payload.(bus.RiskFallbackEvent)
			if p.Failure != string(reasoning.FailureStatus) || p.TaskID != "task-1" {
				t.Fatalf("unexpected fallback event: %+v", p)
			}
			seen[p.Analyzer] = true
		case <-timeout:
			t.Fatalf("fallback events for %v only", seen)
		}
	}
}

func TestEngine_History(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	for range 3 {
		if _, err := f.engine.Assess(ctx, "task-1", AssessOptions{Force: true}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := f.engine.History(ctx, "task-1", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("history = %d, want 3", len(recs))
	}
	recs, _ = f.engine.History(ctx, "task-1", testNow.Add(time.Hour))
	if len(recs) != 0 {
		t.Fatalf("history after now = %d, want 0", len(recs))
	}
}

func TestEngine_WarningsCarryCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	store := &fakeStore{saveErr: errors.New("database is locked")}
	e, err := NewEngine(EngineConfig{
		Snapshots: &fakeSnapshots{tasks: map[string]*TaskSnapshot{"task-1": richTask()}},
		Store:     store,
		Logger:    telemetry.NewSlog(&buf, slog.LevelWarn),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := shared.WithTraceID(context.Background(), "trace-9")
	a, err := e.Assess(ctx, "task-1", AssessOptions{})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		if entry["msg"] != "risk record not stored" {
			continue
		}
		found = true
		if entry["task_id"] != "task-1" || entry["run_id"] != a.Record.RunID || entry["trace_id"] != "trace-9" {
			t.Fatalf("warning missing correlation ids: %#v", entry)
		}
	}
	if !found {
		t.Fatalf("no persist warning logged:\n%s", buf.String())
	}
}
