package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the notification center
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	SubscribeTotal      *prometheus.CounterVec
	UnsubscribeTotal    *prometheus.CounterVec
	SubscribeDuration   prometheus.Histogram
	RegisteredKeys      prometheus.Gauge
	BulkRemovalsTotal   *prometheus.CounterVec
	TeardownErrorsTotal *prometheus.CounterVec

	// Event source handle metrics
	HandlesActive         prometheus.Gauge
	HandlesCreatedTotal   prometheus.Counter
	HandlesDestroyedTotal prometheus.Counter
	HandleCreateFailures  prometheus.Counter

	// Dispatcher metrics
	CallbacksTotal          *prometheus.CounterVec
	DroppedEventsTotal      *prometheus.CounterVec
	DispatchQueueSize       prometheus.Gauge
	DispatchDuration        prometheus.Histogram
	HandlerInvocationsTotal prometheus.Counter
	HandlerFailuresTotal    *prometheus.CounterVec
	ProcessFallbackTotal    *prometheus.CounterVec

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventsDropped     prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axnotify_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // from 0.5ms to ~1s
		},
		[]string{"method", "route"},
	)

	// Subscription metrics
	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axnotify_subscriptions_active",
			Help: "Number of registered subscription tokens",
		},
	)

	m.SubscribeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_subscribe_total",
			Help: "Total number of subscribe calls by outcome",
		},
		[]string{"outcome"}, // ok, or the failed setup stage
	)

	m.UnsubscribeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_unsubscribe_total",
			Help: "Total number of unsubscribe calls by outcome",
		},
		[]string{"outcome"}, // ok, not_found
	)

	m.SubscribeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axnotify_subscribe_duration_seconds",
			Help:    "Duration of subscribe calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // from 10us to ~80ms
		},
	)

	m.RegisteredKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axnotify_registered_keys",
			Help: "Number of subscription keys with at least one handler",
		},
	)

	m.BulkRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_bulk_removals_total",
			Help: "Total number of bulk observer removals",
		},
		[]string{"scope"}, // all, process
	)

	m.TeardownErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_teardown_errors_total",
			Help: "Total number of absorbed errors while tearing down registrations",
		},
		[]string{"stage"},
	)

	// Event source handle metrics
	m.HandlesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axnotify_handles_active",
			Help: "Number of live event source handles",
		},
	)

	m.HandlesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axnotify_handles_created_total",
			Help: "Total number of event source handles created",
		},
	)

	m.HandlesDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axnotify_handles_destroyed_total",
			Help: "Total number of event source handles destroyed",
		},
	)

	m.HandleCreateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axnotify_handle_create_failures_total",
			Help: "Total number of refused event source creations",
		},
	)

	// Dispatcher metrics
	m.CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_callbacks_total",
			Help: "Total number of platform callbacks received",
		},
		[]string{"notification"},
	)

	m.DroppedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_dropped_events_total",
			Help: "Total number of callbacks dropped before dispatch",
		},
		[]string{"reason"}, // unknown_notification, queue_full, foreign_owner, no_process, closed
	)

	m.DispatchQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axnotify_dispatch_queue_size",
			Help: "Current number of events waiting for the control loop",
		},
	)

	m.DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axnotify_dispatch_duration_seconds",
			Help:    "Time to fan one event out to its handlers in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
	)

	m.HandlerInvocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axnotify_handler_invocations_total",
			Help: "Total number of handler invocations",
		},
	)

	m.HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_handler_failures_total",
			Help: "Total number of handlers that returned an error or panicked",
		},
		[]string{"kind"}, // error, panic
	)

	m.ProcessFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_process_fallback_total",
			Help: "Total number of events whose process was resolved by a fallback",
		},
		[]string{"source"}, // cache, handle
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axnotify_notifier_connections_active",
			Help: "Number of active stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axnotify_notifier_events_published_total",
			Help: "Total number of events written to stream clients",
		},
		[]string{"protocol"},
	)

	m.NotifierEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axnotify_notifier_events_dropped_total",
			Help: "Total number of events dropped for slow stream clients",
		},
	)

	return m
}
