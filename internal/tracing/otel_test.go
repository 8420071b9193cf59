package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOpenTelemetryIsIdempotent(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test"}))
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test"}))

	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestInitAfterShutdownInstallsFreshProvider(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test"}))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	// Shutdown clears the provider, so a second init must succeed rather
	// than silently keeping the dead one.
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test", ServiceVersion: "0.1.0"}))
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestShutdownWithoutInitIsNoop(t *testing.T) {
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestStartSpanBackfillsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test", SampleRatio: 1}))
	defer ShutdownOpenTelemetry(context.Background())

	ctx, span := StartSpan(context.Background(), "test-tracer", "test-span")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "hermod-test"}))
	defer ShutdownOpenTelemetry(context.Background())

	ctx := WithTraceID(context.Background(), "trace-upstream")
	ctx, span := StartSpan(ctx, "test-tracer", "test-span")
	defer span.End()

	assert.Equal(t, "trace-upstream", GetTraceID(ctx))
}
