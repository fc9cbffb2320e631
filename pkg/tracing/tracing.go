// Package tracing installs the OpenTelemetry tracer provider used by stages and LLM calls.
package tracing

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

const instrumentation = "github.com/noah-isme/sma-class-pipeline"

// Init installs a stdout exporting provider when tracing is enabled and returns its shutdown func.
// When disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg config.TracingConfig, env string, logger *zap.Logger) (func(context.Context) error, error) {
	return initWithWriter(ctx, cfg, env, os.Stdout, logger)
}

func initWithWriter(ctx context.Context, cfg config.TracingConfig, env string, w io.Writer, logger *zap.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, err
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "class-pipeline"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(name),
		attribute.String("deployment.environment", env),
	))
	if err != nil {
		logger.Sugar().Warnw("tracing resource init failed", "error", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.Sugar().Infow("tracing enabled", "service", name)
	return tp.Shutdown, nil
}

// Start opens a span on the global provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
