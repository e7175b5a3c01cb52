package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/axnotify/internal/config"
	"github.com/nkkko/axnotify/internal/engine"
	"github.com/nkkko/axnotify/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeEvents(t *testing.T, output string) []proto.Event {
	t.Helper()
	var events []proto.Event
	scanner := bufio.NewScanner(bytes.NewBufferString(output))
	for scanner.Scan() {
		var ev proto.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "line %q", scanner.Text())
		events = append(events, ev)
	}
	return events
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "axnotify dev\n", out)
}

func TestWatchLocal(t *testing.T) {
	out, err := execute(t, "watch", "--pid", "4101", "--type", "focused",
		"--interval", "5ms", "--duration", "300ms", "--log-level", "error")
	require.NoError(t, err)

	events := decodeEvents(t, out)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, int32(4101), ev.Process)
		assert.Equal(t, "AXFocusedUIElementChanged", ev.Type)
	}
}

func TestWatchRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "watch", "--pid", "nope", "--duration", "10ms")
	assert.Error(t, err)

	_, err = execute(t, "watch", "--type", "bogus", "--duration", "10ms")
	assert.Error(t, err)

	// Not one of the demo applications
	_, err = execute(t, "watch", "--pid", "999", "--duration", "10ms")
	assert.Error(t, err)
}

func TestWatchRemoteAndStats(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Platform.CheckProcesses = false
	cfg.Platform.Applications = []config.ApplicationConfig{{PID: 300, Name: "Notes"}}
	cfg.Logging.Level = "error"

	e, err := engine.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = e.Center().Start(ctx)
	}()

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	// Fire events until the watcher has subscribed and seen some
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = e.Platform().PostToProcess(300, "AXTitleChanged", map[string]any{"title": "x"})
			case <-ctx.Done():
				return
			}
		}
	}()

	out, err := execute(t, "watch", "--server", srv.URL, "--pid", "300", "--type", "title",
		"--duration", "300ms", "--log-level", "error")
	require.NoError(t, err)

	events := decodeEvents(t, out)
	require.NotEmpty(t, events)
	assert.Equal(t, "AXTitleChanged", events[0].Type)
	assert.Equal(t, "x", events[0].Payload["title"])

	out, err = execute(t, "stats", "--server", srv.URL, "--keys")
	require.NoError(t, err)
	var stats struct {
		Subscriptions int             `json:"subscriptions"`
		Keys          []proto.KeyInfo `json:"keys"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.GreaterOrEqual(t, stats.Subscriptions, 0)

	require.NoError(t, e.Shutdown(context.Background()))
}
