package otel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	for _, cfg := range []Config{{}, {Enabled: true, Exporter: ExporterNone}} {
		p, err := Init(context.Background(), cfg, Resource{HomeDir: t.TempDir()})
		if err != nil {
			t.Fatalf("Init(%+v): %v", cfg, err)
		}
		if p.Tracer == nil || p.Meter == nil {
			t.Fatalf("Init(%+v): nil tracer or meter", cfg)
		}
		if totals, err := p.Totals(context.Background()); err != nil || totals != nil {
			t.Fatalf("noop totals = %v, %v", totals, err)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	home := t.TempDir()
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}, Resource{HomeDir: home})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected unknown exporter error, got %v", err)
	}
}

func TestInit_OTLPWithHeaders(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: ExporterOTLPHTTP,
		Endpoint: "127.0.0.1:1",
		Headers:  map[string]string{"authorization": "Bearer x"},
	}, Resource{HomeDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Nothing was exported, so shutdown has nothing to send.
	p.Shutdown(context.Background())
}

func TestStdoutExporter_WritesSpansUnderHome(t *testing.T) {
	home := t.TempDir()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout}, Resource{
		Version: "v1.2.3",
		HomeDir: home,
		Root:    "/srv/tasks",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := StartSpan(context.Background(), p.Tracer, "cache.flush", AttrCount.Int(3))
	span.End()
	_, span = StartSpan(context.Background(), p.Tracer, "reconcile.observe", AttrPath.String("tasks/active/a.md"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, DefaultTraceFile))
	if err != nil {
		t.Fatalf("trace file: %v", err)
	}
	for _, want := range []string{"cache.flush", "reconcile.observe", "plaintask.count", "tasks/active/a.md", "/srv/tasks", "v1.2.3"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("trace file missing %q:\n%s", want, data)
		}
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), nil, "cache.load")
	if span.SpanContext().IsValid() {
		t.Fatal("nil tracer should give a non-recording span")
	}
	span.End()
}
