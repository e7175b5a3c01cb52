package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/nkkko/axnotify/internal/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "center-test"

// recorder collects notifications delivered by the control loop
type recorder struct {
	mu    sync.Mutex
	calls []string
	seen  []domain.Notification
}

func (r *recorder) handler(name string) domain.Handler {
	return domain.HandlerFunc(func(n domain.Notification) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.seen = append(r.seen, n)
		return nil
	})
}

func (r *recorder) snapshot() ([]string, []domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]domain.Notification(nil), r.seen...)
}

// Helper to start a dispatcher whose resolver returns entries for every event
func startDispatcher(t *testing.T, cfg Config, platform domain.Platform, entries []registry.Entry) (*Dispatcher, *int) {
	t.Helper()

	resolved := 0
	d, err := New(cfg, testOwner, platform, func(pid domain.ProcessID, nt domain.NotificationType) []registry.Entry {
		resolved++
		return entries
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, &resolved
}

func refcon(pid *domain.ProcessID) *domain.CallbackContext {
	return &domain.CallbackContext{Owner: testOwner, Process: pid}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(100, "TextEdit")
	field := platform.AddElement(app, "AXTextField", "Name")

	rec := &recorder{}
	key := domain.NewKey(domain.PID(100), domain.NotificationFocusedElementChanged)
	entries := []registry.Entry{
		{Token: "a", Key: key, Handler: rec.handler("a")},
		{Token: "b", Key: key, Handler: rec.handler("b")},
	}
	d, _ := startDispatcher(t, DefaultConfig(), platform, entries)

	d.Callback(field, "AXFocusedUIElementChanged", map[string]any{"role": "AXTextField"}, refcon(domain.PID(100)))
	require.NoError(t, d.Sync(context.Background()))

	calls, seen := rec.snapshot()
	assert.Equal(t, []string{"a", "b"}, calls)
	require.Len(t, seen, 2)
	assert.Equal(t, domain.ProcessID(100), seen[0].Process)
	assert.Equal(t, domain.NotificationFocusedElementChanged, seen[0].Type)
	assert.Equal(t, field.ElementID(), seen[0].Element.ElementID())
	assert.Equal(t, "AXTextField", seen[0].Payload["role"])
	assert.False(t, seen[0].ReceivedAt.IsZero())
}

func TestDispatcherDropsForeignOwner(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(1, "App")

	rec := &recorder{}
	d, resolved := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	dropped := testutil.ToFloat64(metrics.GetMetrics().DroppedEventsTotal.WithLabelValues("foreign_owner"))

	d.Callback(app, string(domain.NotificationMoved), nil, &domain.CallbackContext{Owner: "someone-else"})
	d.Callback(app, string(domain.NotificationMoved), nil, "not a context")
	require.NoError(t, d.Sync(context.Background()))

	calls, _ := rec.snapshot()
	assert.Empty(t, calls)
	assert.Equal(t, 0, *resolved)
	assert.Equal(t, dropped+2, testutil.ToFloat64(metrics.GetMetrics().DroppedEventsTotal.WithLabelValues("foreign_owner")))
}

func TestDispatcherDropsUnknownNotification(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(1, "App")

	rec := &recorder{}
	d, resolved := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	d.Callback(app, "AXSomethingNobodyKnows", nil, refcon(domain.PID(1)))
	require.NoError(t, d.Sync(context.Background()))

	calls, _ := rec.snapshot()
	assert.Empty(t, calls)
	assert.Equal(t, 0, *resolved)
}

func TestDispatcherProcessFallbackFromCache(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(200, "Mail")
	button := platform.AddElement(app, "AXButton", "Send")

	rec := &recorder{}
	d, _ := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	// First event teaches the cache which process owns the element
	d.Callback(button, string(domain.NotificationTitleChanged), nil, refcon(nil))

	// Later lookups fail transiently; the cached process is used
	platform.FailProcessOf(button, errors.New("cannot complete"))
	d.Callback(button, string(domain.NotificationTitleChanged), nil, refcon(nil))
	require.NoError(t, d.Sync(context.Background()))

	_, seen := rec.snapshot()
	require.Len(t, seen, 2)
	assert.Equal(t, domain.ProcessID(200), seen[0].Process)
	assert.Equal(t, domain.ProcessID(200), seen[1].Process)
}

func TestDispatcherProcessFallbackFromHandle(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(300, "Notes")
	platform.FailProcessOf(app, errors.New("cannot complete"))

	rec := &recorder{}
	d, _ := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	d.Callback(app, string(domain.NotificationValueChanged), nil, refcon(domain.PID(300)))
	require.NoError(t, d.Sync(context.Background()))

	_, seen := rec.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, domain.ProcessID(300), seen[0].Process)
}

func TestDispatcherDropsWithoutProcess(t *testing.T) {
	platform := sim.New()

	rec := &recorder{}
	d, resolved := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	// The system element has no process and the global handle has none either
	d.Callback(platform.SystemElement(), string(domain.NotificationApplicationActivated), nil, refcon(nil))
	require.NoError(t, d.Sync(context.Background()))

	assert.Equal(t, 0, *resolved)
}

func TestDispatcherIsolatesHandlerFailures(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(7, "App")

	rec := &recorder{}
	key := domain.NewKey(domain.PID(7), domain.NotificationResized)
	entries := []registry.Entry{
		{Token: "boom", Key: key, Handler: domain.HandlerFunc(func(domain.Notification) error { panic("handler exploded") })},
		{Token: "err", Key: key, Handler: domain.HandlerFunc(func(domain.Notification) error { return errors.New("handler error") })},
		{Token: "ok", Key: key, Handler: rec.handler("ok")},
	}
	d, _ := startDispatcher(t, DefaultConfig(), platform, entries)

	var mu sync.Mutex
	var failures []*domain.HandlerFailure
	d.SetFailureHook(func(f *domain.HandlerFailure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	})

	d.Callback(app, string(domain.NotificationResized), nil, refcon(domain.PID(7)))
	require.NoError(t, d.Sync(context.Background()))

	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"ok"}, calls)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	assert.Equal(t, domain.Token("boom"), failures[0].Token)
	assert.Equal(t, "handler exploded", failures[0].Panic)
	assert.Equal(t, domain.Token("err"), failures[1].Token)
	assert.Nil(t, failures[1].Panic)
	assert.EqualError(t, failures[1].Unwrap(), "handler error")
}

func TestDispatcherQueueFullDrops(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(9, "App")

	// No control loop is running, so the queue fills up
	d, err := New(Config{QueueSize: 1}, testOwner, platform, func(domain.ProcessID, domain.NotificationType) []registry.Entry {
		return nil
	})
	require.NoError(t, err)

	dropped := testutil.ToFloat64(metrics.GetMetrics().DroppedEventsTotal.WithLabelValues("queue_full"))

	d.Callback(app, string(domain.NotificationMoved), nil, refcon(domain.PID(9)))
	d.Callback(app, string(domain.NotificationMoved), nil, refcon(domain.PID(9)))

	assert.Equal(t, 1, d.QueueLen())
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.GetMetrics().DroppedEventsTotal.WithLabelValues("queue_full")))
}

func TestDispatcherCloseDrainsAndStops(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(11, "App")

	rec := &recorder{}
	d, err := New(DefaultConfig(), testOwner, platform, func(domain.ProcessID, domain.NotificationType) []registry.Entry {
		return []registry.Entry{{Token: "a", Handler: rec.handler("a")}}
	})
	require.NoError(t, err)

	d.Callback(app, string(domain.NotificationMoved), nil, refcon(domain.PID(11)))
	d.Close()
	d.Close()

	// Callbacks after close are dropped without panicking
	d.Callback(app, string(domain.NotificationMoved), nil, refcon(domain.PID(11)))
	assert.ErrorIs(t, d.Sync(context.Background()), domain.ErrCenterClosed)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"a"}, calls, "events queued before close are still delivered")
}

func TestDispatcherRunStopsOnContextCancel(t *testing.T) {
	d, err := New(DefaultConfig(), testOwner, sim.New(), func(domain.ProcessID, domain.NotificationType) []registry.Entry {
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestDispatcherForeignGoroutineDelivery(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(12, "App")

	rec := &recorder{}
	d, _ := startDispatcher(t, DefaultConfig(), platform, []registry.Entry{
		{Token: "a", Handler: rec.handler("a")},
	})

	// Register the dispatcher on a real source so Post reaches it
	src, err := platform.CreateEventSource(domain.PID(12), d.Callback)
	require.NoError(t, err)
	require.NoError(t, platform.AddNotification(src, app, domain.NotificationWindowCreated, refcon(domain.PID(12))))

	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, platform.Post(app, domain.NotificationWindowCreated, map[string]int{"index": i}))
	}
	platform.Wait()
	require.NoError(t, d.Sync(context.Background()))

	calls, _ := rec.snapshot()
	assert.Len(t, calls, 10)
}
