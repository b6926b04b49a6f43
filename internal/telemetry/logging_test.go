package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskrisk/internal/shared"
)

func readLogLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("risk computed", "task_id", "task-1", "score", 42.5)

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	entry := lines[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "taskrisk" {
		t.Fatalf("expected component=taskrisk, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("provider call failed",
		"api_key", "abc123",
		"error", "401 Authorization: Bearer super-secret-token",
		"cause", errors.New("rejected key sk-ant-REDACTED"),
		"prompt_tokens", 1200,
	)

	lines := readLogLines(t, home)
	entry := lines[len(lines)-1]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["error"] != "401 Authorization: Bearer [REDACTED]" {
		t.Fatalf("expected bearer redaction, got %#v", entry["error"])
	}
	if entry["cause"] != "rejected key [REDACTED]" {
		t.Fatalf("expected error value redaction, got %#v", entry["cause"])
	}
	if entry["prompt_tokens"] != float64(1200) {
		t.Fatalf("token counts must not be redacted, got %#v", entry["prompt_tokens"])
	}
}

func TestSlog_StampsCorrelationFromContext(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := NewSlog(&buf, lvl).With("component", "test")

	ctx := shared.WithRunID(shared.WithTaskID(context.Background(), "t-7"), "r-1")
	logger.InfoContext(ctx, "risk assessed", "run_id", "explicit")
	logger.Info("no context")

	var lines []map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", raw, err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["task_id"] != "t-7" {
		t.Fatalf("task_id not stamped: %#v", lines[0])
	}
	if lines[0]["run_id"] != "explicit" {
		t.Fatalf("call-site run_id should win, got %#v", lines[0]["run_id"])
	}
	if _, ok := lines[1]["task_id"]; ok {
		t.Fatalf("background record should carry no ids: %#v", lines[1])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("suppressed")
	logger.SetLevel("debug")
	logger.Debug("visible")

	lines := readLogLines(t, home)
	if len(lines) != 1 || lines[0]["msg"] != "visible" {
		t.Fatalf("expected only the post-reload debug line, got %#v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
