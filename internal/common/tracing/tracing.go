// Package tracing wires OpenTelemetry tracing for the steward daemon. With no
// OTLP endpoint configured it installs no provider, leaving otel's default
// no-op global provider in place so span calls throughout the core remain
// cheap and side-effect free.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stoneforge-ai/stewards/internal/common/config"
)

// Tracer is the package-wide tracer used by scheduler and steward code to
// open spans for executions and verification passes.
var Tracer trace.Tracer = otel.Tracer("stoneforge/stewards")

// Init configures the global tracer provider from cfg. It returns a shutdown
// function that must be called before process exit to flush any buffered
// spans. When cfg.OTLPEndpoint is empty, Init is a no-op and the returned
// shutdown function does nothing.
func Init(ctx context.Context, cfg config.TracingConfig) (shutdown func(context.Context) error, err error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer("stoneforge/stewards")

	return tp.Shutdown, nil
}
