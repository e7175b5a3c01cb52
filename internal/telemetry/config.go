package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls span export for the notification center
type Config struct {
	Enabled     bool
	ServiceName string

	// OTLP/gRPC collector address, host:port
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration

	// Fraction of root spans kept; child spans follow their parent
	SamplingRatio float64

	// Extra resource attributes, e.g. deployment.environment
	Attributes map[string]string

	// Exporter replaces the OTLP exporter when set
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns a disabled configuration pointed at a local collector
func DefaultConfig() Config {
	return Config{
		ServiceName:   "axnotify",
		Endpoint:      "localhost:4317",
		Insecure:      true,
		SamplingRatio: 1.0,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
		Headers:       map[string]string{},
	}
}

// Setup installs a global tracer provider and W3C propagators. The returned
// function flushes pending spans and must be called on shutdown.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()

	exporter := config.Exporter
	if exporter == nil {
		var err error
		if exporter, err = newOTLPExporter(ctx, config); err != nil {
			return nil, err
		}
		logger.Info().
			Str("endpoint", config.Endpoint).
			Float64("sampling_ratio", config.SamplingRatio).
			Msg("Exporting notification center spans over OTLP")
	}

	res, err := newResource(ctx, config)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Debug().Msg("Flushing notification center spans")
		return provider.Shutdown(ctx)
	}, nil
}

func newOTLPExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.Timeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(config.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", config.Endpoint, err)
	}
	return exporter, nil
}

func newResource(ctx context.Context, config Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		attribute.String("axnotify.component", "notification_center"),
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}
	return res, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
