package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func enabledConfig(name string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  name,
		SampleRate:   1.0,
	}
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NotNil(t, p.Tracer("x"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledWithOTLP(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), enabledConfig("turnflow-test"), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)

	// no collector is running; only check shutdown returns within the deadline
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestInit_SpansReachExporter(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	exp := tracetest.NewInMemoryExporter()

	p, err := Init(context.Background(), enabledConfig("turnflow-spans"), nil,
		WithSpanExporter(exp), WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, turn := otel.Tracer("github.com/BaSui01/turnflow/agent/voice").Start(context.Background(), "voice.turn")
	_, handoff := p.Tracer("test").Start(ctx, "voice.handoff")
	handoff.End()
	turn.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "voice.handoff", spans[0].Name)
	assert.Equal(t, "voice.turn", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestVersion(t *testing.T) {
	// test binaries report "(devel)"
	assert.Equal(t, "dev", Version())
}
