package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initWithWriter(context.Background(), config.TracingConfig{}, "test", &buf, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Zero(t, buf.Len())
}

func TestInitExportsSpans(t *testing.T) {
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	var buf bytes.Buffer
	shutdown, err := initWithWriter(context.Background(), config.TracingConfig{Enabled: true, ServiceName: "pipeline-test"}, "test", &buf, nil)
	require.NoError(t, err)

	_, span := Start(context.Background(), "stage class.structure", attribute.Int64("session_id", 42))
	End(span, errors.New("upstream timeout"))
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "stage class.structure")
	assert.Contains(t, out, "upstream timeout")
}
