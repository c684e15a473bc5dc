package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribersEmitOrder(t *testing.T) {
	subs := newSubscribers[int]()

	var order []string
	subs.add(func(int) { order = append(order, "first") })
	cancel := subs.add(func(int) { order = append(order, "second") })
	subs.add(func(int) { order = append(order, "third") })

	subs.emit(0, nil)
	require.Equal(t, []string{"first", "second", "third"}, order)

	// Removal keeps the remaining subscribers in registration order.
	cancel()
	order = order[:0]
	subs.emit(0, nil)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestSubscribersPanicIsolation(t *testing.T) {
	subs := newSubscribers[string]()

	var calls []string
	subs.add(func(string) { panic("boom") })
	subs.add(func(v string) { calls = append(calls, v) })

	var reported error
	subs.emit("hello", func(err error) { reported = err })

	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "boom")
	assert.Equal(t, []string{"hello"}, calls)
}
