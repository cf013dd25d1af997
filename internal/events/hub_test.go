package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeHandlerInvoked, "h", map[string]int{"i": i})
	}

	got := h.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(5), got[2].ID)

	assert.Len(t, h.Since(4), 1)
	assert.Empty(t, h.Since(5))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe(1)

	h.Publish(TypeTimerDeferred, "tick", nil)
	h.Publish(TypeTimerDeferred, "tick", nil)

	ev := <-ch
	assert.Equal(t, TypeTimerDeferred, ev.Type)
	assert.Equal(t, "tick", ev.Subject)
	assert.JSONEq(t, `{}`, string(ev.Data))
	assert.Equal(t, int64(1), h.Dropped(), "second event overflows a buffer of one")

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestToCloudEvent(t *testing.T) {
	h := NewHub(1)
	ev := h.Publish(TypeCommandsSubmitted, "on_foo", map[string]int{"commands": 2})

	ce, err := ToCloudEvent(ev, "/integration/int-1")
	require.NoError(t, err)
	assert.Equal(t, "1", ce.ID())
	assert.Equal(t, "io.conduit.commands.submitted", ce.Type())
	assert.Equal(t, "/integration/int-1", ce.Source())
	assert.Equal(t, "on_foo", ce.Subject())

	raw, err := json.Marshal(ce)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "1.0", wire["specversion"])
	assert.Equal(t, map[string]any{"commands": float64(2)}, wire["data"])
}

func TestToCloudEventRequiresSource(t *testing.T) {
	_, err := ToCloudEvent(Event{ID: 1, Type: "x", Data: json.RawMessage("{}")}, "")
	assert.Error(t, err)
}
