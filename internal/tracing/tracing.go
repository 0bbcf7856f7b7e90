// Package tracing wires an OpenTelemetry tracer provider for the engine's
// dispatch and sync spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options selects the exporter.
type Options struct {
	ServiceName string
	// Endpoint is the Jaeger collector URL; empty disables export and
	// returns a no-op tracer.
	Endpoint string
}

// Provider owns the tracer lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a tracer provider. With no endpoint the returned tracer is a
// no-op and Shutdown is trivial.
func New(opts Options) (*Provider, trace.Tracer, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "hypertoken"
	}
	if opts.Endpoint == "" {
		return &Provider{}, noop.NewTracerProvider().Tracer(opts.ServiceName), nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, tp.Tracer(opts.ServiceName), nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
