package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/axnotify/internal/api"
	"github.com/nkkko/axnotify/internal/center"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/notifier"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	client *Client
	center *center.Center
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	platform := sim.New()
	platform.AddApplication(100, "TextEdit")
	platform.AddApplication(200, "Mail")

	c, err := center.New(platform)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()

	n := notifier.NewNotifier(notifier.DefaultConfig(), c)
	a := api.NewAPI(api.DefaultConfig(), c, n, api.WithEventPoster(platform))
	srv := httptest.NewServer(a.Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = n.Shutdown(context.Background())
		_ = c.Close(context.Background())
		cancel()
		<-done
	})

	return &testServer{
		client: New(srv.URL, WithTimeout(2*time.Second)),
		center: c,
	}
}

func nop(domain.Notification) error { return nil }

func TestQueries(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	_, err := ts.center.Subscribe(ctx, domain.PID(100), nil, domain.NotificationMoved, domain.HandlerFunc(nop))
	require.NoError(t, err)

	stats, err := ts.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Subscriptions: 1, Keys: 1, Handles: 1}, stats)

	keys, err := ts.client.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "AXMoved", keys[0].Type)

	handles, err := ts.client.Handles(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.False(t, handles[0].Global)

	pid := int32(100)
	registered, err := ts.client.IsRegistered(ctx, &pid, "moved")
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = ts.client.IsRegistered(ctx, nil, "moved")
	require.NoError(t, err)
	assert.False(t, registered)

	_, err = ts.client.IsRegistered(ctx, nil, "bogus")
	assert.True(t, IsCode(err, "unknown_notification"))
}

func TestRemovals(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	token, err := ts.center.Subscribe(ctx, domain.PID(100), nil, domain.NotificationMoved, domain.HandlerFunc(nop))
	require.NoError(t, err)
	_, err = ts.center.Subscribe(ctx, domain.PID(200), nil, domain.NotificationMoved, domain.HandlerFunc(nop))
	require.NoError(t, err)
	_, err = ts.center.Subscribe(ctx, nil, nil, domain.NotificationMoved, domain.HandlerFunc(nop))
	require.NoError(t, err)

	require.NoError(t, ts.client.Unsubscribe(ctx, string(token)))

	err = ts.client.Unsubscribe(ctx, string(token))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "token_not_found", apiErr.Code)

	removed, err := ts.client.RemoveProcess(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = ts.client.RemoveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, ts.center.SubscriptionCount())
}

func TestSubscribeStream(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	pid := int32(100)
	sub, err := ts.client.Subscribe(ctx, &pid, "focused", "value")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ClientID)
	assert.Len(t, sub.Tokens, 2)

	// Heartbeats are not surfaced as events
	require.NoError(t, sub.Ping())

	delivered, err := ts.client.PostEvent(ctx, 100, "value", map[string]any{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	select {
	case ev := <-sub.Events:
		require.NotNil(t, ev)
		assert.Equal(t, int32(100), ev.Process)
		assert.Equal(t, "AXValueChanged", ev.Type)
		assert.Equal(t, "hi", ev.Payload["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool {
		return ts.center.SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream(t *testing.T) {
	ts := setupServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := ts.client.Stream(ctx, nil, "moved")
	require.NoError(t, err)

	_, err = ts.client.PostEvent(context.Background(), 200, "moved", nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.NotNil(t, ev)
		assert.Equal(t, int32(200), ev.Process)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return ts.center.SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeErrors(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	_, err := ts.client.Subscribe(ctx, nil)
	assert.Error(t, err)

	_, err = ts.client.Subscribe(ctx, nil, "bogus")
	assert.True(t, IsCode(err, "unknown_notification"), "got %v", err)

	_, err = ts.client.PostEvent(ctx, 999, "moved", nil)
	assert.True(t, IsCode(err, "process_not_found"), "got %v", err)
}
