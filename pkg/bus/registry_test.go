package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typedbus/typedbus/pkg/bus"
)

func newRegistry(t *testing.T) *bus.Registry {
	t.Helper()

	return bus.NewRegistry(bus.Config{Timeout: time.Second})
}

func TestRegistry_AddChannel(t *testing.T) {
	r := newRegistry(t)

	ch, err := r.AddChannel("orders", bus.Options{})
	require.NoError(t, err)
	require.NotNil(t, ch)

	assert.True(t, r.HasChannel("orders"))
	assert.Equal(t, []string{"orders"}, r.ChannelNames())

	_, err = r.AddChannel("orders", bus.Options{})
	require.Error(t, err, "duplicate names are rejected")
}

func TestRegistry_AddChannelValidatesOptions(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddChannel("pipe", bus.Options{Throttle: bus.Float(0.5)})
	require.Error(t, err, "throttle without a bound must fail")
}

func TestRegistry_ChannelOptionsOverrideBusConfig(t *testing.T) {
	r := bus.NewRegistry(bus.Config{Timeout: time.Hour})

	ch, err := r.AddChannel("slow", bus.Options{Timeout: bus.Duration(30 * time.Millisecond)})
	require.NoError(t, err)

	_, err = ch.Subscribe(func(d *bus.Delivery) {})
	require.NoError(t, err)

	tracker, err := r.Publish("slow", "x")
	require.NoError(t, err)
	waitResolved(t, tracker)

	assert.Equal(t, int64(1), r.Stats().Get("slow_timed_out"))
}

func TestRegistry_RemoveChannel(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddChannel("orders", bus.Options{})
	require.NoError(t, err)

	r.RemoveChannel("orders")
	assert.False(t, r.HasChannel("orders"))

	r.RemoveChannel("orders")
	r.RemoveChannel("never existed")
}

func TestRegistry_UnknownChannel(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Publish("ghost", "x")
	require.ErrorIs(t, err, bus.ErrUnknownChannel)

	_, err = r.Subscribe("ghost", func(d *bus.Delivery) {})
	require.ErrorIs(t, err, bus.ErrUnknownChannel)

	require.ErrorIs(t, r.Unsubscribe("ghost", 1), bus.ErrUnknownChannel)

	_, err = r.Pending("ghost")
	require.ErrorIs(t, err, bus.ErrUnknownChannel)

	_, err = r.PendingCount("ghost")
	require.ErrorIs(t, err, bus.ErrUnknownChannel)

	_, err = r.DeadLetters("ghost")
	require.ErrorIs(t, err, bus.ErrUnknownChannel)

	require.ErrorIs(t, r.Close("ghost"), bus.ErrUnknownChannel)

	assert.False(t, r.HasChannel("ghost"))
	assert.Empty(t, r.ChannelNames())
}

func TestRegistry_PublishCountsAndDelegates(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddChannel("greetings", bus.Options{})
	require.NoError(t, err)

	_, err = r.Subscribe("greetings", ackingHandler(t))
	require.NoError(t, err)

	tracker, err := r.Publish("greetings", "Hi")
	require.NoError(t, err)
	waitResolved(t, tracker)

	assert.Equal(t, int64(1), r.Stats().Get("greetings_published"))
	assert.Equal(t, int64(1), r.Stats().Get("greetings_delivered"))

	pending, err := r.Pending("greetings")
	require.NoError(t, err)
	assert.False(t, pending)

	count, err := r.PendingCount("greetings")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := newRegistry(t)

	ch, err := r.AddChannel("orders", bus.Options{})
	require.NoError(t, err)

	id, err := r.Subscribe("orders", ackingHandler(t))
	require.NoError(t, err)
	assert.Equal(t, 1, ch.SubscriberCount())

	require.NoError(t, r.Unsubscribe("orders", id))
	assert.Zero(t, ch.SubscriberCount())
}

func TestRegistry_CloseAll(t *testing.T) {
	r := newRegistry(t)

	a, err := r.AddChannel("a", bus.Options{})
	require.NoError(t, err)
	b, err := r.AddChannel("b", bus.Options{})
	require.NoError(t, err)

	require.NoError(t, r.CloseAll())

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}

func TestRegistry_Clear(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddChannel("orders", bus.Options{})
	require.NoError(t, err)

	// an unrouted publish leaves a dead letter behind
	_, err = r.Publish("orders", "lost")
	require.NoError(t, err)

	dlq, err := r.DeadLetters("orders")
	require.NoError(t, err)
	require.Equal(t, 1, dlq.Size())

	r.Clear()

	assert.True(t, dlq.Empty())
	assert.True(t, r.HasChannel("orders"), "clear does not remove channels")
}

func TestRegistry_DeadLettersDrain(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddChannel("orders", bus.Options{})
	require.NoError(t, err)

	_, err = r.Publish("orders", "first")
	require.NoError(t, err)
	_, err = r.Publish("orders", "second")
	require.NoError(t, err)

	dlq, err := r.DeadLetters("orders")
	require.NoError(t, err)

	drained := dlq.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Message())
	assert.Equal(t, "second", drained[1].Message())
	assert.Zero(t, dlq.Size())
}
