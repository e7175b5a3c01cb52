package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opaque struct {
	ptr uintptr
}

func TestNormalizeNil(t *testing.T) {
	assert.Nil(t, Normalize(nil))
}

func TestNormalizeNestedMap(t *testing.T) {
	platform := sim.New()
	app := platform.AddApplication(1, "App")

	raw := map[string]any{
		"title": "Untitled",
		"count": 3,
		"frame": map[string]float64{"x": 1, "y": 2},
		"items": []string{"a", "b"},
		"focus": app,
		"inner": map[string]any{"flags": []any{true, false}},
	}

	got := Normalize(raw)
	assert.Equal(t, "Untitled", got["title"])
	assert.Equal(t, 3, got["count"])
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, got["frame"])
	assert.Equal(t, []any{"a", "b"}, got["items"])
	assert.Equal(t, "app-1", got["focus"])
	assert.Equal(t, map[string]any{"flags": []any{true, false}}, got["inner"])
}

func TestNormalizeWrapsScalar(t *testing.T) {
	assert.Equal(t, domain.Payload{"value": "hello"}, Normalize("hello"))
	assert.Equal(t, domain.Payload{"value": []any{int64(1), int64(2)}}, Normalize([]domain.ProcessID{1, 2}))
}

func TestNormalizeKeepsUnsupportedAsRaw(t *testing.T) {
	got := Normalize(map[string]any{
		"handle":  opaque{ptr: 1},
		"numbers": map[int]string{1: "one"},
	})

	require.IsType(t, domain.Raw{}, got["handle"])
	require.IsType(t, domain.Raw{}, got["numbers"])

	// Raw values render by type, not contents
	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"handle":"raw:dispatcher.opaque","numbers":"raw:map[int]string"}`, string(data))
}

func TestNormalizePointers(t *testing.T) {
	title := "Inbox"
	var missing *string

	got := Normalize(map[string]any{"title": &title, "missing": missing})
	assert.Equal(t, "Inbox", got["title"])
	assert.Nil(t, got["missing"])
}

func TestNormalizeBytesAndTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	got := Normalize(map[string]any{
		"label": []byte("hi"),
		"at":    ts,
	})

	assert.Equal(t, "hi", got["label"])
	assert.Equal(t, "2024-03-01T12:30:00.0000005Z", got["at"])
}

func TestNormalizeCycles(t *testing.T) {
	m := map[string]any{"title": "loop"}
	m["self"] = m

	got := Normalize(m)
	assert.Equal(t, "loop", got["title"])
	require.IsType(t, domain.Raw{}, got["self"])

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"loop","self":"raw:map[string]interface {}"}`, string(data))

	s := make([]any, 2)
	s[0] = "head"
	s[1] = s
	items, ok := Normalize(s)["value"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "head", items[0])
	require.IsType(t, domain.Raw{}, items[1])

	var p any
	p = &p
	require.IsType(t, domain.Raw{}, Normalize(p)["value"])
}

func TestNormalizeSharedValuesAreNotCycles(t *testing.T) {
	shared := map[string]any{"x": 1}
	got := Normalize(map[string]any{"a": shared, "b": shared})

	assert.Equal(t, map[string]any{"x": 1}, got["a"])
	assert.Equal(t, map[string]any{"x": 1}, got["b"])
}

func TestNormalizeDepthLimit(t *testing.T) {
	var deep any = "leaf"
	for i := 0; i < maxPayloadDepth+5; i++ {
		deep = map[string]any{"next": deep}
	}

	got := Normalize(deep)
	level := map[string]any(got)
	for i := 0; i < maxPayloadDepth-1; i++ {
		next, ok := level["next"].(map[string]any)
		require.True(t, ok, "level %d", i)
		level = next
	}
	require.IsType(t, domain.Raw{}, level["next"])
}

func TestNormalizeTypedNilStringer(t *testing.T) {
	var element *sim.Element
	got := Normalize(map[string]any{"focus": element})
	assert.Nil(t, got["focus"])
}
