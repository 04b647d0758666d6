// Package otel wires OpenTelemetry traces and metrics for the mission
// control daemon. When disabled, every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "missionctl"
	MeterName  = "missionctl"
	// Version is reported as a resource attribute.
	Version = "v0.3.0"

	defaultEndpoint = "localhost:4318"
)

// Config is the otel section of config.yaml.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http (default), stdout or none
	// Endpoint is host:port, or a URL whose scheme picks TLS and whose path
	// overrides /v1/traces.
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"` // paper, live, ...
	SampleRate  float64           `yaml:"sample_rate"`

	// SpanExporter and MetricReader replace the configured pipeline.
	// Tests install in-memory ones.
	SpanExporter sdktrace.SpanExporter `yaml:"-"`
	MetricReader sdkmetric.Reader      `yaml:"-"`
}

// Validate checks exporter, endpoint and sample rate.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "", "otlp-http":
		if _, err := parseEndpoint(c.Endpoint); err != nil {
			return err
		}
	case "stdout", "none":
	default:
		return fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate %v outside [0, 1]", c.SampleRate)
	}
	return nil
}

// Provider holds the tracer and meter handed to every component.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds the providers for cfg. The W3C trace-context propagator is
// installed either way so remote agents' traceparent headers are honored
// once tracing is turned on. Callers must Shutdown the result.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagator)
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = TracerName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		// Synchronous export keeps injected exporters deterministic.
		traceOpts = append(traceOpts, sdktrace.WithSyncer(cfg.SpanExporter))
	} else {
		exporter, err := createExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	traceOpts = append(traceOpts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))))

	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		ep, err := parseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep.host)}
		if ep.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(ep.path))
		}
		if ep.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return discardExporter{}, nil
	}
}

type endpoint struct {
	host     string
	path     string
	insecure bool
}

// parseEndpoint accepts "host:port" (plain HTTP) or an http(s) URL.
func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return endpoint{host: defaultEndpoint, insecure: true}, nil
	}
	if !strings.Contains(raw, "://") {
		return endpoint{host: raw, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("endpoint %q: %w", raw, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return endpoint{}, fmt.Errorf("endpoint %q: want http(s)://host[:port][/path]", raw)
	}
	ep := endpoint{host: u.Host, insecure: u.Scheme == "http"}
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		ep.path = p
	}
	return ep, nil
}

// discardExporter drops every span. Used for exporter=none.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error { return nil }
