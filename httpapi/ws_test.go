package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/engine"
)

func TestHub_PublishDeliversToUnscopedClient(t *testing.T) {
	h := NewHub(nil)
	cl := &client{send: make(chan *engine.Event, 4)}
	h.register(cl)
	defer h.unregister(cl)

	require.NoError(t, h.Publish(&engine.Event{InstanceID: "inst-1", Kind: engine.EventInstanceStarted}))

	select {
	case ev := <-cl.send:
		assert.Equal(t, "inst-1", ev.InstanceID)
	default:
		t.Fatal("expected the unscoped client to receive the event")
	}
}

func TestHub_PublishFiltersByInstanceID(t *testing.T) {
	h := NewHub(nil)
	cl := &client{send: make(chan *engine.Event, 4), instanceID: "inst-2"}
	h.register(cl)
	defer h.unregister(cl)

	require.NoError(t, h.Publish(&engine.Event{InstanceID: "inst-1"}))
	select {
	case <-cl.send:
		t.Fatal("a client scoped to inst-2 must not receive an inst-1 event")
	default:
	}

	require.NoError(t, h.Publish(&engine.Event{InstanceID: "inst-2"}))
	select {
	case ev := <-cl.send:
		assert.Equal(t, "inst-2", ev.InstanceID)
	default:
		t.Fatal("expected the scoped client to receive its own instance's event")
	}
}

func TestHub_PublishDropsRatherThanBlocksOnAFullClient(t *testing.T) {
	h := NewHub(nil)
	cl := &client{send: make(chan *engine.Event, 1)}
	h.register(cl)
	defer h.unregister(cl)

	require.NoError(t, h.Publish(&engine.Event{InstanceID: "inst-1"}))
	err := h.Publish(&engine.Event{InstanceID: "inst-1"})
	require.NoError(t, err, "a full client's channel must be skipped, not block Publish")
	assert.Len(t, cl.send, 1)
}
