package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out a tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	_, span := p.Tracer.Start(context.Background(), "risk.assess")
	span.End()
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestInit_Exporters(t *testing.T) {
	cases := []struct {
		exporter string
		wantErr  bool
	}{
		{exporter: ExporterNone},
		{exporter: "NONE"},
		{exporter: ExporterStdout},
		{exporter: "carrier-pigeon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tc.exporter, Writer: &bytes.Buffer{}})
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), tc.exporter) {
					t.Fatalf("expected error naming exporter, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.meterSDK == nil {
				t.Fatal("expected SDK providers")
			}
		})
	}
}

func TestInit_OTLPWithHeaders(t *testing.T) {
	// The HTTP exporter connects lazily, so construction succeeds offline.
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: ExporterOTLP,
		Endpoint: "collector.internal:4318",
		Insecure: true,
		Headers:  map[string]string{"x-api-key": "k"},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestStdoutExporter_WritesSpansWithResource(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterStdout,
		ServiceName:    "riskd-test",
		ServiceVersion: "v9.9.9",
		Writer:         &buf,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "risk.assess",
		AttrTaskID.String("t-42"),
		AttrAnalyzer.String("complexity"),
	)
	span.End()
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"risk.assess", "t-42", "riskd-test", "v9.9.9"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported span missing %q", want)
		}
	}
}

func TestSampleRate_ZeroMeansAlways(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartClientSpan(context.Background(), p.Tracer, "reasoning.generate", AttrModel.String("gemini-2.5-flash"))
	if !span.SpanContext().IsSampled() {
		t.Fatal("unset sample rate should sample every span")
	}
	span.End()
}
