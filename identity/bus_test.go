package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Subscribe(func(c Change) { got = append(got, "first:"+string(c.Kind)) })
	unsubscribe := bus.Subscribe(func(c Change) { got = append(got, "second:"+string(c.Kind)) })

	bus.Publish(Change{Kind: Authenticated, Username: "nurse", Credits: 5})
	unsubscribe()
	unsubscribe()
	bus.Publish(Change{Kind: Anonymous})

	assert.Equal(t, []string{
		"first:authenticated",
		"second:authenticated",
		"first:anonymous",
	}, got)
}

func TestBusListenerMaySubscribeDuringPublish(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Subscribe(func(Change) {
		calls++
		bus.Subscribe(func(Change) { calls++ })
	})

	bus.Publish(Change{Kind: Anonymous})
	assert.Equal(t, 1, calls)
}
