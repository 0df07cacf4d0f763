// Package otel wires the daemon's tracing and metrics. Disabled telemetry
// hands back no-op implementations so call sites never branch on it.
package otel

import (
	"context"
	"errors"
	"fmt"

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

// TracerName and MeterName are the instrumentation scope names.
const (
	TracerName = "agentd"
	MeterName  = "agentd"

	// Version is reported as a resource attribute.
	Version = "v0.3-dev"
)

// Config selects the exporter and sampling for the daemon's telemetry.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default) or stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider owns the tracer and meter providers for the process lifetime.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init builds the telemetry provider and installs the tracer globally.
// Callers must Shutdown the returned provider on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	exporter, err := traceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	service := cfg.ServiceName
	if service == "" {
		service = "agentd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		attribute.String("agentd.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		Meter:  mp.Meter(MeterName),
		tp:     tp,
		mp:     mp,
	}, nil
}

// Shutdown flushes both providers. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func traceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout)", cfg.Exporter)
	}
}
