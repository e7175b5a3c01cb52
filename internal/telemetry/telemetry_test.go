package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Helper to install an in-memory tracer provider for one test
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestKeyAttributes(t *testing.T) {
	attrs := KeyAttributes(domain.NewKey(nil, domain.NotificationMoved))
	assert.Contains(t, attrs, attribute.String("axnotify.process", "*"))
	assert.Contains(t, attrs, attribute.String("axnotify.notification", "AXMoved"))
	assert.Contains(t, attrs, attribute.Bool("axnotify.wildcard", true))
}

func TestStartSpanAndMarkError(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "center.Subscribe")
	AddSpanAttributes(ctx, KeyAttributes(domain.NewKey(domain.PID(7), domain.NotificationResized))...)
	MarkSpanError(ctx, errors.New("setup failed"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "center.Subscribe", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("axnotify.process", "7"))
}

func TestHTTPMiddlewareNamesRoute(t *testing.T) {
	recorder := recordSpans(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("axnotify-test"))
	r.Delete("/subscriptions/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/subscriptions/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "DELETE /subscriptions/{token}", spans[0].Name())

	// Client errors do not mark the span
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestSetupWithExporterOverride(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = exporter
	cfg.Attributes["deployment.environment"] = "test"

	shutdown, err := Setup(context.Background(), cfg)
	require.NoError(t, err)

	_, span := Tracer("axnotify/center").Start(context.Background(), "center.Post")
	span.End()

	// Shutdown flushes the batcher
	require.NoError(t, shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "center.Post", spans[0].Name)

	res := spans[0].Resource.Set()
	name, ok := res.Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "axnotify", name.AsString())
	env, ok := res.Value("deployment.environment")
	require.True(t, ok)
	assert.Equal(t, "test", env.AsString())
	component, _ := res.Value("axnotify.component")
	assert.Equal(t, "notification_center", component.AsString())
}
