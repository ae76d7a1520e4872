package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitExportsSpansAndInstallsPropagator(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, shutdown, err := Init(context.Background(), Options{ServiceName: "crawlcore-test", SampleRatio: 1}, exporter)
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "cycle.seeding")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	require.NotEmpty(t, carrier.Get("traceparent"))

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "cycle.seeding", spans[0].Name)

	require.NoError(t, shutdown(context.Background()))
}

func TestInitZeroRatioSamplesNothing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, shutdown, err := Init(context.Background(), Options{ServiceName: "crawlcore-test"}, exporter)
	require.NoError(t, err)
	defer shutdown(context.Background()) //nolint:errcheck // best-effort

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	require.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	require.Empty(t, exporter.GetSpans())
}
