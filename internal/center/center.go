// Package center is the notification subscription center. It ties the
// subscription registry, the handle cache and the callback dispatcher
// together behind one lock.
package center

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/axnotify/internal/dispatcher"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/handlecache"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/nkkko/axnotify/internal/registry"
	"github.com/nkkko/axnotify/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// generateToken creates subscription tokens; tests may replace it
var generateToken = func() domain.Token {
	return domain.Token(uuid.NewString())
}

// Option configures a Center
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	dispatcher  dispatcher.Config
	tracer      trace.Tracer
	failureHook dispatcher.FailureHook
}

// WithLogger sets the center's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithQueueSize sets the capacity of the callback queue
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.dispatcher.QueueSize = n
	}
}

// WithElementCacheSize sets how many element to process mappings are kept
// for fallback resolution
func WithElementCacheSize(n int) Option {
	return func(o *options) {
		o.dispatcher.ElementCacheSize = n
	}
}

// WithTracer sets the tracer used for subscription spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithHandlerFailureHook observes handlers that fail or panic
func WithHandlerFailureHook(hook dispatcher.FailureHook) Option {
	return func(o *options) {
		o.failureHook = hook
	}
}

// Center owns every subscription of one process. Construct it once and
// pass it to its consumers.
type Center struct {
	id       string
	platform domain.Platform

	// mu guards registry, cache and closed
	mu       sync.RWMutex
	registry *registry.Registry
	cache    *handlecache.Cache
	cleanup  *CleanupCoordinator
	closed   bool

	dispatcher *dispatcher.Dispatcher
	tracer     trace.Tracer
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates a center on top of platform
func New(platform domain.Platform, opts ...Option) (*Center, error) {
	o := options{
		logger:     log.Logger,
		dispatcher: dispatcher.DefaultConfig(),
		tracer:     telemetry.Tracer("axnotify/center"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Center{
		id:       "center-" + uuid.NewString(),
		platform: platform,
		registry: registry.New(),
		tracer:   o.tracer,
		metrics:  metrics.GetMetrics(),
	}
	c.logger = o.logger.With().Str("component", "center").Str("center", c.id).Logger()

	d, err := dispatcher.New(o.dispatcher, c.id, platform, c.handlersFor)
	if err != nil {
		return nil, err
	}
	if o.failureHook != nil {
		d.SetFailureHook(o.failureHook)
	}
	c.dispatcher = d

	c.cache = handlecache.New(platform, d.Callback, c.id)
	c.cleanup = newCleanupCoordinator(c.cache, c.logger)

	return c, nil
}

// ID returns the identity the center tags its platform registrations with
func (c *Center) ID() string {
	return c.id
}

// handlersFor is the dispatcher's resolver. It returns a snapshot so that
// handlers run without the lock held.
func (c *Center) handlersFor(pid domain.ProcessID, t domain.NotificationType) []registry.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.HandlersFor(pid, t)
}

// Start runs the dispatch loop until ctx is cancelled or the center is closed
func (c *Center) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting notification center")
	return c.dispatcher.Run(ctx)
}

// Sync waits until every callback received before the call has been dispatched
func (c *Center) Sync(ctx context.Context) error {
	return c.dispatcher.Sync(ctx)
}

// Subscribe registers h for notifications of type t from process pid, or
// from every process when pid is nil. element narrows the observed element;
// nil observes the application (or the system element for wildcards).
// Either the subscription is fully in place when it returns, or nothing
// changed.
func (c *Center) Subscribe(ctx context.Context, pid *domain.ProcessID, element domain.ElementRef, t domain.NotificationType, h domain.Handler) (domain.Token, error) {
	ctx, span := c.tracer.Start(ctx, "center.Subscribe",
		trace.WithAttributes(telemetry.KeyAttributes(domain.NewKey(pid, t))...))
	defer span.End()

	start := time.Now()
	token, err := c.subscribe(pid, element, t, h)
	c.metrics.SubscribeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.SubscribeTotal.WithLabelValues(subscribeOutcome(err)).Inc()
		telemetry.MarkSpanError(ctx, err)
		c.logger.Warn().
			Err(err).
			Str("process", domain.FormatProcess(pid)).
			Str("notification", string(t)).
			Msg("Subscribe failed")
		return "", err
	}

	c.metrics.SubscribeTotal.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("axnotify.token", string(token)))
	return token, nil
}

func subscribeOutcome(err error) string {
	var setup *domain.SetupFailedError
	switch {
	case errors.Is(err, domain.ErrCenterClosed):
		return "closed"
	case errors.As(err, &setup):
		return string(setup.Stage)
	default:
		return "error"
	}
}

func (c *Center) subscribe(pid *domain.ProcessID, element domain.ElementRef, t domain.NotificationType, h domain.Handler) (domain.Token, error) {
	canonical, err := domain.ParseNotificationType(string(t))
	if err != nil {
		return "", domain.SetupFailed(domain.StageValidate, domain.NewKey(pid, t), err)
	}
	key := domain.NewKey(pid, canonical)
	if h == nil {
		return "", domain.SetupFailed(domain.StageValidate, key, errors.New("nil handler"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", domain.ErrCenterClosed
	}

	handle, created, err := c.cache.GetOrCreate(key.Process)
	if err != nil {
		return "", domain.SetupFailed(domain.StageCreateEventSource, key, err)
	}

	// A key that already has handlers reuses its platform registration
	if c.registry.IsEmpty(key) {
		target := element
		if target == nil {
			target, err = c.defaultElement(key.Process)
			if err != nil {
				c.discardHandle(key.Process, created)
				return "", domain.SetupFailed(domain.StageResolveElement, key, err)
			}
		}

		if err := c.cache.RegisterNotification(handle, key.Type, target); err != nil {
			c.discardHandle(key.Process, created)
			return "", domain.SetupFailed(domain.StageAddNotification, key, err)
		}
	}

	token := generateToken()
	c.registry.Add(key, token, h)
	c.updateGauges()

	c.logger.Debug().
		Str("token", string(token)).
		Str("key", key.String()).
		Msg("Subscribed")

	return token, nil
}

// defaultElement picks the element observed when the caller names none
func (c *Center) defaultElement(pid *domain.ProcessID) (domain.ElementRef, error) {
	if pid == nil {
		return c.platform.SystemElement(), nil
	}
	return c.platform.ApplicationElement(*pid)
}

// discardHandle undoes a handle created by a failed subscribe
func (c *Center) discardHandle(pid *domain.ProcessID, created bool) {
	if created {
		c.cache.DestroyIfUnused(pid)
	}
}

// Unsubscribe removes the subscription behind token. Unknown or already
// removed tokens give domain.ErrTokenNotFound.
func (c *Center) Unsubscribe(ctx context.Context, token domain.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrCenterClosed
	}

	if _, err := c.unsubscribeLocked(token, c.cleanup.Release); err != nil {
		c.metrics.UnsubscribeTotal.WithLabelValues("not_found").Inc()
		return err
	}
	c.metrics.UnsubscribeTotal.WithLabelValues("success").Inc()
	c.updateGauges()
	return nil
}

// unsubscribeLocked removes token and hands its key to release when it was
// the last handler. teardown reports a cleanup failure that was absorbed.
func (c *Center) unsubscribeLocked(token domain.Token, release func(domain.SubscriptionKey) error) (teardown error, err error) {
	key, err := c.registry.Remove(token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("token", string(token)).
		Str("key", key.String()).
		Msg("Unsubscribed")

	if c.registry.IsEmpty(key) {
		return release(key), nil
	}
	return nil, nil
}

// RemoveAllObservers removes every subscription. Teardown failures are
// logged, never returned. It returns the number of removed subscriptions.
func (c *Center) RemoveAllObservers(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	return c.removeLocked(c.registry.Tokens(), "all", nil)
}

// RemoveAllObserversFor removes every subscription bound to pid. Wildcard
// subscriptions are left alone.
func (c *Center) RemoveAllObserversFor(ctx context.Context, pid domain.ProcessID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	return c.removeLocked(c.registry.TokensFor(&pid), "process", &pid)
}

// removeLocked purges tokens, then any registration left behind by an
// earlier failed unsubscribe. pid limits the sweep to one process; nil
// sweeps every handle.
func (c *Center) removeLocked(tokens []domain.Token, scope string, pid *domain.ProcessID) int {
	removed, failures := 0, 0
	for _, token := range tokens {
		teardown, err := c.unsubscribeLocked(token, c.cleanup.Purge)
		if err != nil {
			// Tokens come from the registry itself, so this means a broken index
			c.logger.Error().Err(err).Str("token", string(token)).Msg("Token vanished during bulk removal")
			continue
		}
		removed++
		if teardown != nil {
			failures++
		}
	}

	for _, key := range c.staleKeysLocked(pid) {
		if c.cleanup.Purge(key) != nil {
			failures++
		}
	}

	c.metrics.BulkRemovalsTotal.WithLabelValues(scope).Inc()
	c.updateGauges()

	c.logger.Info().
		Str("scope", scope).
		Int("removed", removed).
		Int("teardown_failures", failures).
		Msg("Removed observers")

	return removed
}

// staleKeysLocked lists registrations with no handler left. They remain
// after a failed single unsubscribe.
func (c *Center) staleKeysLocked(pid *domain.ProcessID) []domain.SubscriptionKey {
	var stale []domain.SubscriptionKey
	for _, h := range c.cache.Handles() {
		if pid != nil && (h.Process == nil || *h.Process != *pid) {
			continue
		}
		for _, t := range h.Notifications {
			key := domain.NewKey(h.Process, t)
			if c.registry.IsEmpty(key) {
				stale = append(stale, key)
			}
		}
	}
	return stale
}

// IsKeyRegistered reports whether any handler is subscribed to exactly the
// key {pid, t}. A wildcard subscription does not make a process key registered.
func (c *Center) IsKeyRegistered(pid *domain.ProcessID, t domain.NotificationType) bool {
	canonical, err := domain.ParseNotificationType(string(t))
	if err != nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.registry.IsEmpty(domain.NewKey(pid, canonical))
}

// Handles returns a snapshot of the live event sources
func (c *Center) Handles() []handlecache.HandleInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Handles()
}

// Keys returns every key with at least one handler
func (c *Center) Keys() []domain.SubscriptionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Keys()
}

// SubscriptionCount returns the number of live subscriptions
func (c *Center) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Len()
}

// Close removes every subscription and stops the dispatcher. Later calls
// give domain.ErrCenterClosed.
func (c *Center) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.logger.Info().Msg("Closing notification center")
	c.removeLocked(c.registry.Tokens(), "all", nil)
	c.closed = true
	c.mu.Unlock()

	c.dispatcher.Close()
	return nil
}

// updateGauges refreshes the registry gauges; callers hold the lock
func (c *Center) updateGauges() {
	c.metrics.SubscriptionsActive.Set(float64(c.registry.Len()))
	c.metrics.RegisteredKeys.Set(float64(c.registry.KeyCount()))
}
