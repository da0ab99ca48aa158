// Package telemetry sets up OpenTelemetry tracing for API requests.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/user/kbdesk"

// Config drives tracer setup. An empty Endpoint disables export.
type Config struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool

	// Exporter replaces the OTLP exporter, mainly for tests.
	Exporter sdktrace.SpanExporter
}

// Provider owns the tracer provider and its shutdown.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Setup builds the tracer provider and installs it globally along with the
// W3C trace-context propagator. With no endpoint and no exporter the global
// no-op provider is used.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	exporter := cfg.Exporter
	if exporter == nil && cfg.Endpoint == "" {
		tp := otel.GetTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}, nil
	}

	if exporter == nil {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		var err error
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kbdesk"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", name)

	return &Provider{tp: sdk, sdk: sdk, tracer: sdk.Tracer(instrumentationName)}, nil
}

// Tracer returns the tracer for API request spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
