// Package otel exports plaintask's spans (flush, replay, load, reconcile)
// and keeps its instruments. Metrics are read in-process: serve logs the
// totals when it stops. A disabled Config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope of every plaintask span and
// instrument.
const ScopeName = "plaintask"

// DefaultTraceFile is where the stdout exporter appends spans, relative to
// the plaintask home.
const DefaultTraceFile = "logs/traces.jsonl"

// Exporters accepted in Config.Exporter.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is one of none, stdout or otlp-http.
	Exporter string `yaml:"exporter"`
	// Endpoint and Headers address an OTLP/HTTP collector.
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	// TraceFile receives spans from the stdout exporter as JSON lines.
	// Relative paths are resolved against the plaintask home.
	TraceFile  string  `yaml:"trace_file,omitempty"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Resource identifies the process and task directory behind the telemetry.
type Resource struct {
	Version string
	HomeDir string
	Root    string
}

func (r Resource) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(ScopeName)}
	if r.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(r.Version))
	}
	if r.Root != "" {
		attrs = append(attrs, AttrRoot.String(r.Root))
	}
	return attrs
}

// Provider holds the tracer and meter handed to the engine.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	reader  *sdkmetric.ManualReader
	closers []func(context.Context) error
}

// Init builds the providers for cfg. The returned Provider must be Shut
// down on exit.
func Init(ctx context.Context, cfg Config, r Resource) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == ExporterNone {
		return Noop(), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(r.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	exporter, err := p.spanExporter(ctx, cfg, r.HomeDir)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(p.reader))

	p.Tracer = tp.Tracer(ScopeName)
	p.Meter = mp.Meter(ScopeName)
	// Spans flush before the trace file closes.
	p.closers = append([]func(context.Context) error{tp.Shutdown, mp.Shutdown}, p.closers...)
	return p, nil
}

func (p *Provider) spanExporter(ctx context.Context, cfg Config, home string) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		w, err := p.traceWriter(cfg.TraceFile, home)
		if err != nil {
			return nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterNone, ExporterStdout, ExporterOTLPHTTP)
	}
}

// traceWriter opens the span file for appending. The file is closed by
// Shutdown.
func (p *Provider) traceWriter(path, home string) (io.Writer, error) {
	if path == "" {
		path = DefaultTraceFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(home, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	p.closers = append(p.closers, func(context.Context) error { return f.Close() })
	return f, nil
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:  noop.NewMeterProvider().Meter(ScopeName),
	}
}

// Totals sums every counter recorded so far and reports the last value of
// every gauge, keyed by instrument name. A no-op provider has none.
func (p *Provider) Totals(ctx context.Context) (map[string]int64, error) {
	if p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	return sumInt64(rm), nil
}

func sumInt64(rm metricdata.ResourceMetrics) map[string]int64 {
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[md.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[md.Name] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[md.Name+".count"] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

// LogAttrs flattens totals into sorted key/value pairs for slog.
func LogAttrs(totals map[string]int64) []any {
	out := make([]any, 0, 2*len(totals))
	for _, k := range slices.Sorted(maps.Keys(totals)) {
		out = append(out, k, totals[k])
	}
	return out
}

// Shutdown flushes pending spans and releases the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}
