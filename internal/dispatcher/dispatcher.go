// Package dispatcher moves platform callbacks off the foreign goroutine they
// arrive on and fans them out to handlers from a single control loop.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/nkkko/axnotify/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains dispatcher configuration
type Config struct {
	// Capacity of the queue between callbacks and the control loop
	QueueSize int

	// Number of element to process mappings remembered for fallback resolution
	ElementCacheSize int
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:        1024,
		ElementCacheSize: 4096,
	}
}

// Resolver returns the handlers interested in an event, in invocation order.
// It is called only from the control loop.
type Resolver func(pid domain.ProcessID, t domain.NotificationType) []registry.Entry

// FailureHook observes handler failures after they are logged
type FailureHook func(f *domain.HandlerFailure)

// message is an event captured by value on the callback goroutine
type message struct {
	notification domain.Notification

	// barrier is closed by the control loop when it reaches this message
	barrier chan struct{}
}

// Dispatcher is the callback entry point handed to the platform
type Dispatcher struct {
	config    Config
	owner     string
	platform  domain.Platform
	resolve   Resolver
	onFailure FailureHook

	queue  chan message
	mu     sync.RWMutex // guards closed against concurrent sends on queue
	closed bool

	pidCache *lru.TwoQueueCache
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher for the center identified by owner
func New(config Config, owner string, platform domain.Platform, resolve Resolver) (*Dispatcher, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.ElementCacheSize <= 0 {
		config.ElementCacheSize = DefaultConfig().ElementCacheSize
	}

	pidCache, err := lru.New2Q(config.ElementCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create element cache: %w", err)
	}

	return &Dispatcher{
		config:   config,
		owner:    owner,
		platform: platform,
		resolve:  resolve,
		queue:    make(chan message, config.QueueSize),
		pidCache: pidCache,
		logger:   log.With().Str("component", "dispatcher").Str("owner", owner).Logger(),
		metrics:  metrics.GetMetrics(),
	}, nil
}

// SetFailureHook installs a hook called for every handler failure
func (d *Dispatcher) SetFailureHook(hook FailureHook) {
	d.onFailure = hook
}

// Callback is the domain.Callback handed to the platform. It runs on the
// platform's goroutine: it only captures values and enqueues them, and never
// touches the registry or blocks.
func (d *Dispatcher) Callback(element domain.ElementRef, rawType string, rawPayload any, refcon any) {
	cbCtx, ok := callbackContext(refcon)
	if !ok || cbCtx.Owner != d.owner {
		d.drop("foreign_owner", rawType, "Callback for another owner, dropping event")
		return
	}

	t, err := domain.ParseNotificationType(rawType)
	if err != nil {
		d.drop("unknown_notification", rawType, "Unknown notification type, dropping event")
		return
	}
	d.metrics.CallbacksTotal.WithLabelValues(string(t)).Inc()

	pid, ok := d.resolveProcess(element, cbCtx)
	if !ok {
		d.drop("no_process", rawType, "Could not resolve process for event, dropping")
		return
	}

	msg := message{
		notification: domain.Notification{
			Process:    pid,
			Type:       t,
			Element:    element,
			Payload:    Normalize(rawPayload),
			ReceivedAt: time.Now(),
		},
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop("closed", rawType, "Dispatcher closed, dropping event")
		return
	}

	// Try to enqueue without blocking the platform
	select {
	case d.queue <- msg:
		d.metrics.DispatchQueueSize.Set(float64(len(d.queue)))
	default:
		d.drop("queue_full", rawType, "Dispatch queue full, dropping event")
	}
}

func callbackContext(refcon any) (domain.CallbackContext, bool) {
	switch v := refcon.(type) {
	case *domain.CallbackContext:
		if v == nil {
			return domain.CallbackContext{}, false
		}
		return *v, true
	case domain.CallbackContext:
		return v, true
	default:
		return domain.CallbackContext{}, false
	}
}

// resolveProcess prefers the element's own process, then the last process
// seen for the element, then the process the event source is bound to
func (d *Dispatcher) resolveProcess(element domain.ElementRef, cbCtx domain.CallbackContext) (domain.ProcessID, bool) {
	var elementID string
	if element != nil {
		elementID = element.ElementID()
		pid, err := d.platform.ProcessOf(element)
		if err == nil {
			d.pidCache.Add(elementID, pid)
			return pid, true
		}
		d.logger.Debug().Err(err).Str("element", elementID).Msg("Process lookup failed, using fallback")

		if cached, ok := d.pidCache.Get(elementID); ok {
			d.metrics.ProcessFallbackTotal.WithLabelValues("cache").Inc()
			return cached.(domain.ProcessID), true
		}
	}

	if cbCtx.Process != nil {
		d.metrics.ProcessFallbackTotal.WithLabelValues("handle").Inc()
		return *cbCtx.Process, true
	}
	return 0, false
}

func (d *Dispatcher) drop(reason, rawType, msg string) {
	d.metrics.DroppedEventsTotal.WithLabelValues(reason).Inc()
	ev := d.logger.Warn()
	if reason == "foreign_owner" || reason == "closed" {
		ev = d.logger.Debug()
	}
	ev.Str("reason", reason).Str("notification", rawType).Msg(msg)
}

// Run is the control loop. It dispatches queued events until ctx is
// cancelled or the dispatcher is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("queue_size", d.config.QueueSize).Msg("Starting dispatcher")

	for {
		select {
		case msg, ok := <-d.queue:
			if !ok {
				d.logger.Info().Msg("Dispatch queue closed, stopping dispatcher")
				return nil
			}
			d.metrics.DispatchQueueSize.Set(float64(len(d.queue)))
			if msg.barrier != nil {
				close(msg.barrier)
				continue
			}
			d.dispatch(msg.notification)

		case <-ctx.Done():
			d.logger.Info().Msg("Context canceled, stopping dispatcher")
			return ctx.Err()
		}
	}
}

// dispatch invokes every interested handler in order. A failing handler
// never stops the ones after it.
func (d *Dispatcher) dispatch(n domain.Notification) {
	start := time.Now()
	entries := d.resolve(n.Process, n.Type)

	for _, e := range entries {
		d.metrics.HandlerInvocationsTotal.Inc()
		if failure := invoke(e, n); failure != nil {
			kind := "error"
			if failure.Panic != nil {
				kind = "panic"
			}
			d.metrics.HandlerFailuresTotal.WithLabelValues(kind).Inc()
			d.logger.Error().
				Err(failure).
				Str("token", string(e.Token)).
				Str("key", e.Key.String()).
				Str("kind", kind).
				Msg("Handler failed")
			if d.onFailure != nil {
				d.onFailure(failure)
			}
		}
	}

	d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
}

func invoke(e registry.Entry, n domain.Notification) (failure *domain.HandlerFailure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &domain.HandlerFailure{
				Token: e.Token,
				Key:   e.Key,
				Err:   fmt.Errorf("panic: %v", r),
				Panic: r,
			}
		}
	}()

	if err := e.Handler.Handle(n); err != nil {
		return &domain.HandlerFailure{Token: e.Token, Key: e.Key, Err: err}
	}
	return nil
}

// Sync waits until the control loop has processed every event enqueued
// before the call
func (d *Dispatcher) Sync(ctx context.Context) error {
	barrier := make(chan struct{})

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return domain.ErrCenterClosed
	}
	select {
	case d.queue <- message{barrier: barrier}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting callbacks. Run returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// QueueLen returns the number of events waiting for the control loop
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}
