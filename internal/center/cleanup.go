package center

import (
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/handlecache"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/rs/zerolog"
)

// CleanupCoordinator releases platform resources once a key has no handler
// left. Teardown failures are logged and absorbed.
type CleanupCoordinator struct {
	cache   *handlecache.Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newCleanupCoordinator(cache *handlecache.Cache, logger zerolog.Logger) *CleanupCoordinator {
	return &CleanupCoordinator{
		cache:   cache,
		logger:  logger.With().Str("component", "cleanup").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Release deregisters key's notification and then destroys the handle if
// nothing else uses it. The handle is only destroyed after a successful
// deregistration; on failure it keeps the live registration and the error is
// returned for the caller's bookkeeping.
func (cc *CleanupCoordinator) Release(key domain.SubscriptionKey) error {
	h, ok := cc.cache.Lookup(key.Process)
	if !ok {
		cc.logger.Debug().Str("key", key.String()).Msg("No handle for key, nothing to release")
		return nil
	}

	if err := cc.cache.DeregisterNotification(h, key.Type); err != nil {
		cc.metrics.TeardownErrorsTotal.WithLabelValues("deregister").Inc()
		cc.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Msg("Failed to deregister notification, keeping event source")
		return err
	}

	cc.destroyIfUnused(key.Process)
	return nil
}

// Purge is Release for bulk teardown. A failed deregistration is logged and
// the record dropped anyway, so no handle outlives its subscriptions.
func (cc *CleanupCoordinator) Purge(key domain.SubscriptionKey) error {
	h, ok := cc.cache.Lookup(key.Process)
	if !ok {
		return nil
	}

	err := cc.cache.DeregisterNotification(h, key.Type)
	if err != nil {
		cc.metrics.TeardownErrorsTotal.WithLabelValues("deregister").Inc()
		cc.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Msg("Failed to deregister notification, dropping it")
		cc.cache.DropNotification(h, key.Type)
	}

	cc.destroyIfUnused(key.Process)
	return err
}

func (cc *CleanupCoordinator) destroyIfUnused(pid *domain.ProcessID) {
	if cc.cache.DestroyIfUnused(pid) {
		cc.logger.Debug().
			Str("process", domain.FormatProcess(pid)).
			Msg("Released event source")
	}
}
