package telemetry

import (
	"context"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for spans started by StartSpan
const TracerName = "axnotify"

// StartSpan starts a new span and tags the context logger with its ids
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer(TracerName).Start(ctx, name, opts...)

	if span.SpanContext().IsValid() {
		logger := zerolog.Ctx(ctx).With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
		ctx = logger.WithContext(ctx)
	}

	return ctx, span
}

// SpanFromContext returns the current span, or a no-op span
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	SpanFromContext(ctx).SetAttributes(attrs...)
}

// KeyAttributes describes a subscription key as span attributes
func KeyAttributes(key domain.SubscriptionKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("axnotify.process", domain.FormatProcess(key.Process)),
		attribute.String("axnotify.notification", string(key.Type)),
		attribute.Bool("axnotify.wildcard", key.IsWildcard()),
	}
}

// MarkSpanError marks the current span as having an error
func MarkSpanError(ctx context.Context, err error) {
	span := SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}

// LogAndTraceError logs an error with the context logger and records it in the current span
func LogAndTraceError(ctx context.Context, err error, msg string) {
	zerolog.Ctx(ctx).Error().Err(err).Msg(msg)
	MarkSpanError(ctx, err)
}
