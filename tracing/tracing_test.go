package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Setup(context.Background(), Config{
		Endpoint: "127.0.0.1:1",
		Insecure: true,
		Headers:  map[string]string{"x-token": "t"},
	}, nil)
	require.NoError(t, err)
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx), "no spans were recorded so nothing is exported")
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(Config{Endpoint: "localhost:4318"}), 1)
	assert.Len(t, exporterOptions(Config{Endpoint: "localhost:4318", Insecure: true}), 2)
	assert.Len(t, exporterOptions(Config{Endpoint: "https://otel.example.com/v1/traces", Insecure: true}), 1)
	assert.Len(t, exporterOptions(Config{Endpoint: "localhost:4318", Headers: map[string]string{"a": "b"}}), 2)
}
