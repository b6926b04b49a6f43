package otel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/taskrisk/internal/shared"
)

func TestSpans_CarryCorrelationAndFailure(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx := shared.WithRunID(shared.WithTaskID(context.Background(), "task-17"), "run-5")
	ctx, root := StartServerSpan(ctx, p.Tracer, "risk.assess")
	_, child := StartClientSpan(ctx, p.Tracer, "reasoning.generate", AttrProvider.String("google"))
	MarkFailed(child, "timeout", errors.New("deadline exceeded"))
	child.End()
	root.End()

	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"task-17", "run-5", "taskrisk.task.id", "deadline exceeded", "timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q", want)
		}
	}
}

func TestSpans_NoCorrelationOnBareContext(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "risk.analyzer.time")
	span.End()
	_ = p.ForceFlush(context.Background())

	if strings.Contains(buf.String(), "taskrisk.task.id") {
		t.Fatal("span without task id should not carry the attribute")
	}
}
