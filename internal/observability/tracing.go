package observability

import (
	"context"
	"jobflow/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig holds configuration for span export.
type TracingConfig struct {
	Endpoint    string // OTLP/HTTP collector endpoint, empty disables export
	ServiceName string
	SampleRatio float64
}

// LoadTracingConfigFromEnv loads tracing configuration from environment variables.
func LoadTracingConfigFromEnv() TracingConfig {
	return TracingConfig{
		Endpoint:    config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName: config.GetEnv("OTEL_SERVICE_NAME", "jobflow"),
		SampleRatio: config.GetFloatEnv("OTEL_TRACES_SAMPLER_RATIO", 1),
	}
}

// SetupTracing installs the global propagator and, when an endpoint is
// configured, a batching OTLP tracer provider. The returned function flushes
// and stops the provider.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
