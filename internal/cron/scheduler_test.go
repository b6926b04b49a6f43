package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeSource struct {
	mu    sync.Mutex
	due   []string
	err   error
	calls int
}

func (f *fakeSource) DueForRefresh(_ context.Context, _ time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.due, f.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJobs struct {
	mu     sync.Mutex
	queued []string
	fail   map[string]bool
}

func (f *fakeJobs) Enqueue(_ context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[taskID] {
		return "", errors.New("queue unavailable")
	}
	f.queued = append(f.queued, taskID)
	return "job-" + taskID, nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RejectsBadExpression(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Source: &fakeSource{}, Jobs: &fakeJobs{}, Expr: "every tuesday"})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Expr: "* * * * *"}); err == nil {
		t.Fatal("expected missing collaborators error")
	}
}

func TestScheduler_RunOnceSkipsFailedEnqueues(t *testing.T) {
	source := &fakeSource{due: []string{"t-1", "t-2", "t-3"}}
	jobs := &fakeJobs{fail: map[string]bool{"t-2": true}}
	s, err := cron.NewScheduler(cron.Config{Source: source, Jobs: jobs, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 || jobs.count() != 2 {
		t.Fatalf("queued %d (%d recorded), want 2", n, jobs.count())
	}
}

func TestScheduler_RunOnceSurfacesSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("db closed")}
	s, _ := cron.NewScheduler(cron.Config{Source: source, Jobs: &fakeJobs{}, Logger: quietLogger()})
	if _, err := s.RunOnce(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestScheduler_FiresOnStartAndOnSchedule(t *testing.T) {
	source := &fakeSource{due: []string{"t-1"}}
	jobs := &fakeJobs{}

	var mu sync.Mutex
	now := time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, err := cron.NewScheduler(cron.Config{
		Source:   source,
		Jobs:     jobs,
		Expr:     "* * * * *",
		Logger:   quietLogger(),
		Interval: 10 * time.Millisecond,
		Now:      clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return jobs.count() == 1 })
	if want := time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC); !s.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRun(), want)
	}

	// Nothing fires until the clock reaches the next occurrence.
	time.Sleep(50 * time.Millisecond)
	if source.callCount() != 1 {
		t.Fatalf("fired early: %d calls", source.callCount())
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	waitFor(t, time.Second, func() bool { return jobs.count() == 2 })
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 10, 9, 2, 0, 0, time.UTC)
	got, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	if _, err := cron.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}
