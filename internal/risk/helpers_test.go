package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/taskrisk/internal/reasoning"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, svc reasoning.Service) *reasoning.Client {
	t.Helper()
	return reasoning.NewClient(svc, reasoning.ClientConfig{
		Limits: reasoning.Limits{Timeout: 50 * time.Millisecond},
		Logger: quietLogger(),
	})
}

func at(d time.Duration) *time.Time {
	v := testNow.Add(d)
	return &v
}

func baseTask() *TaskSnapshot {
	return &TaskSnapshot{
		ID:             "task-1",
		ProjectID:      "proj-1",
		Name:           "Develop the billing API",
		Description:    "Build REST endpoints for invoices.",
		Status:         "in_progress",
		Progress:       20,
		AllocatedHours: 16,
		Deadline:       at(72 * time.Hour),
		Assignee: &Assignee{
			ID:       "u-1",
			Name:     "Dana",
			JobTitle: "Software Engineer",
		},
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	const eps = 0.011
	if got < want-eps || got > want+eps {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}
