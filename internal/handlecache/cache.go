// Package handlecache owns the platform event sources used by the center:
// at most one per monitored process plus one system-wide source.
package handlecache

import (
	"fmt"
	"sort"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handleKey identifies a slot in the arena; the global slot is distinct from every pid
type handleKey struct {
	global bool
	pid    domain.ProcessID
}

func keyFor(pid *domain.ProcessID) handleKey {
	if pid == nil {
		return handleKey{global: true}
	}
	return handleKey{pid: *pid}
}

// ObserverHandle is one live event source and the notifications registered on it
type ObserverHandle struct {
	Source    domain.EventSource
	Process   *domain.ProcessID
	CreatedAt time.Time

	// refs counts active notification registrations on this handle
	refs       int
	registered map[domain.NotificationType]domain.ElementRef
}

// Refs returns the number of active registrations
func (h *ObserverHandle) Refs() int {
	return h.refs
}

// IsRegistered reports whether t is registered on the handle
func (h *ObserverHandle) IsRegistered(t domain.NotificationType) bool {
	_, ok := h.registered[t]
	return ok
}

// HandleInfo is a read-only snapshot of a handle for diagnostics
type HandleInfo struct {
	SourceID      string                    `json:"source_id"`
	Process       *domain.ProcessID         `json:"process,omitempty"`
	Global        bool                      `json:"global"`
	Refs          int                       `json:"refs"`
	Notifications []domain.NotificationType `json:"notifications"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// Cache is an arena of event sources keyed by process. It is not safe for
// concurrent use; the owning center serializes access.
type Cache struct {
	platform domain.Platform
	callback domain.Callback
	owner    string
	handles  map[handleKey]*ObserverHandle
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a cache that creates sources on platform, routes their
// callbacks to cb and tags registrations with owner
func New(platform domain.Platform, cb domain.Callback, owner string) *Cache {
	return &Cache{
		platform: platform,
		callback: cb,
		owner:    owner,
		handles:  make(map[handleKey]*ObserverHandle),
		logger:   log.With().Str("component", "handlecache").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Lookup returns the handle for pid (the global handle when nil), if any
func (c *Cache) Lookup(pid *domain.ProcessID) (*ObserverHandle, bool) {
	h, ok := c.handles[keyFor(pid)]
	return h, ok
}

// GetOrCreate returns the handle for pid, creating it on first need.
// created reports whether this call made the handle. A creation failure
// leaves the cache untouched.
func (c *Cache) GetOrCreate(pid *domain.ProcessID) (h *ObserverHandle, created bool, err error) {
	k := keyFor(pid)
	if h, ok := c.handles[k]; ok {
		return h, false, nil
	}

	src, err := c.platform.CreateEventSource(pid, c.callback)
	if err != nil {
		c.metrics.HandleCreateFailures.Inc()
		return nil, false, fmt.Errorf("create event source for process %s: %w", domain.FormatProcess(pid), err)
	}
	if src == nil {
		c.metrics.HandleCreateFailures.Inc()
		return nil, false, fmt.Errorf("create event source for process %s: platform returned no source", domain.FormatProcess(pid))
	}

	var owned *domain.ProcessID
	if pid != nil {
		owned = domain.PID(int32(*pid))
	}

	h = &ObserverHandle{
		Source:     src,
		Process:    owned,
		CreatedAt:  time.Now(),
		registered: make(map[domain.NotificationType]domain.ElementRef),
	}
	c.handles[k] = h

	c.metrics.HandlesCreatedTotal.Inc()
	c.metrics.HandlesActive.Set(float64(len(c.handles)))
	c.logger.Debug().
		Str("process", domain.FormatProcess(pid)).
		Str("source", src.SourceID()).
		Msg("Created event source")

	return h, true, nil
}

// RegisterNotification asks the platform to deliver t for element through h.
// Nothing changes on failure.
func (c *Cache) RegisterNotification(h *ObserverHandle, t domain.NotificationType, element domain.ElementRef) error {
	if h.IsRegistered(t) {
		return nil
	}

	refcon := &domain.CallbackContext{Owner: c.owner, Process: h.Process}
	if err := c.platform.AddNotification(h.Source, element, t, refcon); err != nil {
		return fmt.Errorf("add notification %s on %s: %w", t, h.Source.SourceID(), err)
	}

	h.registered[t] = element
	h.refs++
	return nil
}

// DeregisterNotification reverses RegisterNotification. Deregistering a type
// that is not registered is a no-op. On platform failure the registration is
// still live, so the record is kept and the error returned.
func (c *Cache) DeregisterNotification(h *ObserverHandle, t domain.NotificationType) error {
	element, ok := h.registered[t]
	if !ok {
		c.logger.Debug().
			Str("source", h.Source.SourceID()).
			Str("notification", string(t)).
			Msg("Notification not registered, nothing to remove")
		return nil
	}

	if err := c.platform.RemoveNotification(h.Source, element, t); err != nil {
		return fmt.Errorf("remove notification %s on %s: %w", t, h.Source.SourceID(), err)
	}

	delete(h.registered, t)
	h.refs--
	return nil
}

// DropNotification forgets the record for t without calling the platform.
// Bulk teardown uses it after a failed deregistration so the handle can
// still be released.
func (c *Cache) DropNotification(h *ObserverHandle, t domain.NotificationType) bool {
	if _, ok := h.registered[t]; !ok {
		return false
	}
	delete(h.registered, t)
	h.refs--
	return true
}

// DestroyIfUnused releases the handle for pid when no registration remains
// on it. It reports whether a handle was destroyed.
func (c *Cache) DestroyIfUnused(pid *domain.ProcessID) bool {
	k := keyFor(pid)
	h, ok := c.handles[k]
	if !ok || h.refs > 0 {
		return false
	}

	c.platform.DestroyEventSource(h.Source)
	delete(c.handles, k)

	c.metrics.HandlesDestroyedTotal.Inc()
	c.metrics.HandlesActive.Set(float64(len(c.handles)))
	c.logger.Debug().
		Str("process", domain.FormatProcess(pid)).
		Str("source", h.Source.SourceID()).
		Msg("Destroyed event source")

	return true
}

// Len returns the number of live handles
func (c *Cache) Len() int {
	return len(c.handles)
}

// Handles returns a snapshot of every live handle, global first, then by process
func (c *Cache) Handles() []HandleInfo {
	out := make([]HandleInfo, 0, len(c.handles))
	for k, h := range c.handles {
		types := make([]domain.NotificationType, 0, len(h.registered))
		for t := range h.registered {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

		info := HandleInfo{
			SourceID:      h.Source.SourceID(),
			Global:        k.global,
			Refs:          h.refs,
			Notifications: types,
			CreatedAt:     h.CreatedAt,
		}
		if !k.global {
			info.Process = domain.PID(int32(k.pid))
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Global != out[j].Global {
			return out[i].Global
		}
		return *out[i].Process < *out[j].Process
	})
	return out
}
