package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typedbus/typedbus/pkg/bus"
)

func TestTracker_AllAckedFiresComplete(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "greetings", []int{1, 2})

	var completed, resolved int
	tracker.OnComplete(func() { completed++ })
	tracker.OnResolved(func() { resolved++ })

	require.NoError(t, tracker.Ack(1))
	assert.False(t, tracker.FullyResolved())
	assert.Equal(t, 1, tracker.PendingCount())
	assert.Zero(t, completed)
	assert.Zero(t, resolved)

	require.NoError(t, tracker.Ack(2))

	assert.True(t, tracker.FullyDelivered())
	assert.True(t, tracker.FullyResolved())
	assert.Zero(t, tracker.PendingCount())
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, resolved)
}

func TestTracker_NackSuppressesComplete(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1, 2})

	var completed, resolved int
	var deadLettered []int
	tracker.OnComplete(func() { completed++ })
	tracker.OnResolved(func() { resolved++ })
	tracker.OnDeadLetter(func(id int) { deadLettered = append(deadLettered, id) })

	require.NoError(t, tracker.Ack(1))
	require.NoError(t, tracker.Nack(2))

	assert.False(t, tracker.FullyDelivered())
	assert.True(t, tracker.FullyResolved())
	assert.Zero(t, completed)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, []int{2}, deadLettered)
}

func TestTracker_DeadLetterFiresPerNack(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1, 2, 3})

	var deadLettered []int
	tracker.OnDeadLetter(func(id int) { deadLettered = append(deadLettered, id) })

	require.NoError(t, tracker.Nack(1))
	require.NoError(t, tracker.Nack(3))
	require.NoError(t, tracker.Ack(2))

	assert.Equal(t, []int{1, 3}, deadLettered)
}

func TestTracker_UnknownSubscriber(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1})

	require.ErrorIs(t, tracker.Ack(99), bus.ErrUnknownSubscriber)
	require.ErrorIs(t, tracker.Nack(99), bus.ErrUnknownSubscriber)
}

func TestTracker_DoubleResolve(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1, 2})

	require.NoError(t, tracker.Ack(1))

	err := tracker.Ack(1)
	require.ErrorIs(t, err, bus.ErrAlreadyResolved)
	assert.Contains(t, err.Error(), "already resolved as acked")

	err = tracker.Nack(1)
	require.ErrorIs(t, err, bus.ErrAlreadyResolved)
}

func TestTracker_CallbackReplacement(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1})

	var first, second int
	tracker.OnResolved(func() { first++ })
	tracker.OnResolved(func() { second++ })

	require.NoError(t, tracker.Ack(1))

	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestTracker_EmptyObservers(t *testing.T) {
	tracker := bus.NewDeliveryTracker("msg", "orders", []int{1, 2})

	assert.Equal(t, "msg", tracker.Message())
	assert.Equal(t, "orders", tracker.ChannelName())
	assert.Equal(t, 2, tracker.PendingCount())
	assert.False(t, tracker.FullyDelivered())
	assert.False(t, tracker.FullyResolved())
}
