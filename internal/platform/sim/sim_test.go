package sim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChecker reports a fixed set of running processes
type fakeChecker struct {
	running map[domain.ProcessID]string
}

func (f fakeChecker) Exists(pid domain.ProcessID) (bool, error) {
	_, ok := f.running[pid]
	return ok, nil
}

func (f fakeChecker) Name(pid domain.ProcessID) (string, error) {
	name, ok := f.running[pid]
	if !ok {
		return "", errors.New("not running")
	}
	return name, nil
}

func TestCreateEventSource(t *testing.T) {
	p := New()
	p.AddApplication(10, "Finder")

	src, err := p.CreateEventSource(domain.PID(10), nil)
	require.NoError(t, err)
	assert.Contains(t, src.SourceID(), "src-10-")

	global, err := p.CreateEventSource(nil, nil)
	require.NoError(t, err)
	assert.Contains(t, global.SourceID(), "src-*-")

	_, err = p.CreateEventSource(domain.PID(11), nil)
	assert.ErrorIs(t, err, ErrNoApplication)

	assert.Len(t, p.LiveSources(), 2)
}

func TestProcessCheckerAndAutoApplications(t *testing.T) {
	checker := fakeChecker{running: map[domain.ProcessID]string{42: "Terminal"}}

	strict := New(WithProcessChecker(checker))
	_, err := strict.CreateEventSource(domain.PID(42), nil)
	assert.ErrorIs(t, err, ErrNoApplication)

	auto := New(WithProcessChecker(checker), WithAutoApplications())
	_, err = auto.CreateEventSource(domain.PID(42), nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.ProcessID{42}, auto.Applications())

	root, err := auto.ApplicationElement(42)
	require.NoError(t, err)
	assert.Equal(t, "Terminal", root.(*Element).Title)

	_, err = auto.CreateEventSource(domain.PID(43), nil)
	assert.ErrorIs(t, err, ErrProcessGone)
}

func TestAddAndRemoveNotification(t *testing.T) {
	p := New()
	app := p.AddApplication(1, "App")
	other := p.AddApplication(2, "Other")

	src, err := p.CreateEventSource(domain.PID(1), nil)
	require.NoError(t, err)

	require.NoError(t, p.AddNotification(src, app, domain.NotificationMoved, "ctx"))
	assert.ErrorIs(t, p.AddNotification(src, app, domain.NotificationMoved, "ctx"), ErrAlreadyRegistered)

	// A per-process source only accepts its own elements
	assert.Error(t, p.AddNotification(src, other, domain.NotificationMoved, "ctx"))
	assert.Error(t, p.AddNotification(src, p.SystemElement(), domain.NotificationMoved, "ctx"))

	assert.Equal(t, []string{"app-1/AXMoved"}, p.Registrations(src))

	require.NoError(t, p.RemoveNotification(src, app, domain.NotificationMoved))
	assert.ErrorIs(t, p.RemoveNotification(src, app, domain.NotificationMoved), ErrNotRegistered)
}

func TestDestroyedSourceIsInvalid(t *testing.T) {
	p := New()
	app := p.AddApplication(1, "App")

	src, err := p.CreateEventSource(domain.PID(1), nil)
	require.NoError(t, err)
	p.DestroyEventSource(src)

	assert.ErrorIs(t, p.AddNotification(src, app, domain.NotificationMoved, nil), ErrInvalidSource)
	assert.Empty(t, p.LiveSources())
	assert.Nil(t, p.Registrations(src))

	// Destroying again only logs
	p.DestroyEventSource(src)
}

func TestFailureInjection(t *testing.T) {
	p := New()
	app := p.AddApplication(1, "App")
	boom := errors.New("boom")

	p.FailCreate(domain.PID(1), boom)
	_, err := p.CreateEventSource(domain.PID(1), nil)
	assert.ErrorIs(t, err, boom)

	p.FailCreate(domain.PID(1), nil)
	src, err := p.CreateEventSource(domain.PID(1), nil)
	require.NoError(t, err)

	p.FailAdd(domain.NotificationResized, boom)
	assert.ErrorIs(t, p.AddNotification(src, app, domain.NotificationResized, nil), boom)

	p.FailProcessOf(app, boom)
	_, err = p.ProcessOf(app)
	assert.ErrorIs(t, err, boom)
	p.FailProcessOf(app, nil)

	pid, err := p.ProcessOf(app)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessID(1), pid)

	_, err = p.ProcessOf(p.SystemElement())
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestPostMatchesAncestorsAndGlobal(t *testing.T) {
	p := New()
	app := p.AddApplication(1, "App")
	window := p.AddElement(app, "AXWindow", "Main")
	button := p.AddElement(window, "AXButton", "OK")
	otherApp := p.AddApplication(2, "Other")

	var perProcess, global atomic.Int32
	src, err := p.CreateEventSource(domain.PID(1), func(domain.ElementRef, string, any, any) {
		perProcess.Add(1)
	})
	require.NoError(t, err)
	globalSrc, err := p.CreateEventSource(nil, func(domain.ElementRef, string, any, any) {
		global.Add(1)
	})
	require.NoError(t, err)

	owner := &domain.CallbackContext{Owner: "a"}
	require.NoError(t, p.AddNotification(src, app, domain.NotificationTitleChanged, owner))
	require.NoError(t, p.AddNotification(globalSrc, p.SystemElement(), domain.NotificationTitleChanged, owner))

	// The button's ancestor carries the registration; the bound source wins
	assert.Equal(t, 1, p.Post(button, domain.NotificationTitleChanged, nil))

	// Another process only reaches the global source
	assert.Equal(t, 1, p.PostSync(otherApp, domain.NotificationTitleChanged, nil))

	// Unregistered types reach nothing
	assert.Equal(t, 0, p.Post(button, domain.NotificationMoved, nil))

	p.Wait()
	assert.Equal(t, int32(1), perProcess.Load())
	assert.Equal(t, int32(1), global.Load())
}

func TestPostReachesEveryOwner(t *testing.T) {
	p := New()
	app := p.AddApplication(1, "App")

	var calls atomic.Int32
	cb := func(domain.ElementRef, string, any, any) { calls.Add(1) }

	src, err := p.CreateEventSource(domain.PID(1), cb)
	require.NoError(t, err)
	globalSrc, err := p.CreateEventSource(nil, cb)
	require.NoError(t, err)

	require.NoError(t, p.AddNotification(src, app, domain.NotificationMoved, &domain.CallbackContext{Owner: "a"}))
	require.NoError(t, p.AddNotification(globalSrc, p.SystemElement(), domain.NotificationMoved, &domain.CallbackContext{Owner: "b"}))

	// Different owners each get their own delivery
	assert.Equal(t, 2, p.PostSync(app, domain.NotificationMoved, nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoveApplication(t *testing.T) {
	p := New()
	app := p.AddApplication(3, "App")
	child := p.AddElement(app, "AXButton", "Close")

	p.RemoveApplication(3)

	_, ok := p.Element(child.ElementID())
	assert.False(t, ok)
	_, err := p.ApplicationElement(3)
	assert.ErrorIs(t, err, ErrNoApplication)

	_, ok = p.Element("system")
	assert.True(t, ok, "system element survives")
}

func TestPostToProcess(t *testing.T) {
	p := New()
	app := p.AddApplication(8, "App")
	src, err := p.CreateEventSource(domain.PID(8), func(domain.ElementRef, string, any, any) {})
	require.NoError(t, err)
	require.NoError(t, p.AddNotification(src, app, domain.NotificationTitleChanged, nil))

	n, err := p.PostToProcess(8, domain.NotificationTitleChanged, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.Wait()

	_, err = p.PostToProcess(9, domain.NotificationTitleChanged, nil)
	assert.ErrorIs(t, err, ErrNoApplication)
}

func TestDemoGenerator(t *testing.T) {
	p := New()
	p.SeedDemo()
	assert.Len(t, p.Applications(), len(DemoApplications))

	var calls atomic.Int32
	cb := func(domain.ElementRef, string, any, any) { calls.Add(1) }
	globalSrc, err := p.CreateEventSource(nil, cb)
	require.NoError(t, err)
	require.NoError(t, p.AddNotification(globalSrc, p.SystemElement(), domain.NotificationTitleChanged, nil))

	g := NewGenerator(p, time.Hour, []domain.NotificationType{domain.NotificationTitleChanged, domain.NotificationMoved})
	for i := 0; i < 4; i++ {
		g.tick()
	}
	p.Wait()

	// Only the title events match the registration
	assert.Equal(t, int32(2), calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, g.Run(ctx))
}
