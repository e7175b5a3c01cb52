package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	// Get metrics instance
	metrics := GetMetrics()

	// Verify it's not nil
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()

	// Verify both instances are the same
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	// API metrics
	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)

	// Subscription metrics
	assert.NotNil(t, m.SubscriptionsActive)
	assert.NotNil(t, m.SubscribeTotal)
	assert.NotNil(t, m.UnsubscribeTotal)
	assert.NotNil(t, m.SubscribeDuration)
	assert.NotNil(t, m.RegisteredKeys)
	assert.NotNil(t, m.BulkRemovalsTotal)
	assert.NotNil(t, m.TeardownErrorsTotal)

	// Handle metrics
	assert.NotNil(t, m.HandlesActive)
	assert.NotNil(t, m.HandlesCreatedTotal)
	assert.NotNil(t, m.HandlesDestroyedTotal)
	assert.NotNil(t, m.HandleCreateFailures)

	// Dispatcher metrics
	assert.NotNil(t, m.CallbacksTotal)
	assert.NotNil(t, m.DroppedEventsTotal)
	assert.NotNil(t, m.DispatchQueueSize)
	assert.NotNil(t, m.DispatchDuration)
	assert.NotNil(t, m.HandlerInvocationsTotal)
	assert.NotNil(t, m.HandlerFailuresTotal)
	assert.NotNil(t, m.ProcessFallbackTotal)

	// Notifier metrics
	assert.NotNil(t, m.NotifierConnectionsActive)
	assert.NotNil(t, m.NotifierEventsPublished)
	assert.NotNil(t, m.NotifierEventsDropped)
}

func TestMetricsOperations(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.DroppedEventsTotal.WithLabelValues("queue_full"))
	m.DroppedEventsTotal.WithLabelValues("queue_full").Inc()
	after := testutil.ToFloat64(m.DroppedEventsTotal.WithLabelValues("queue_full"))
	assert.Equal(t, before+1, after)

	m.HandlesActive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.HandlesActive))
	m.HandlesActive.Set(0)
}

func BenchmarkMetricsOperations(b *testing.B) {
	// Create a new registry for isolated benchmarking
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_callbacks_total",
			Help: "Benchmark counter vec",
		},
		[]string{"notification"},
	)
	registry.MustRegister(counterVec)

	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_dispatch_seconds",
			Help:    "Benchmark histogram",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
	)
	registry.MustRegister(histogram)

	b.Run("CounterVec.WithLabelValues", func(b *testing.B) {
		types := []string{"AXValueChanged", "AXFocusedUIElementChanged", "AXTitleChanged"}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			counterVec.WithLabelValues(types[i%len(types)]).Inc()
		}
	})

	b.Run("Histogram.Observe", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			histogram.Observe(float64(i) / 1e6)
		}
	})
}
