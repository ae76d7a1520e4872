// Package telemetry configures the OpenTelemetry tracer provider and
// propagators used by crawl passes and Pub/Sub notifications.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Options describe the tracer provider. A zero SampleRatio samples nothing;
// 1 samples every trace.
type Options struct {
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs a global tracer provider and W3C propagators. Spans are
// batched to every supplied exporter; with none, spans are recorded for
// sampling decisions and context propagation only.
func Init(ctx context.Context, opts Options, exporters ...sdktrace.SpanExporter) (*sdktrace.TracerProvider, Shutdown, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}
	return tp, shutdown, nil
}
