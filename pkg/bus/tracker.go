package bus

import (
	"sync"

	"github.com/pkg/errors"
)

// DeliveryTracker aggregates the per-subscriber outcomes of one publish call
// into a single resolution event. The subscriber id set is fixed at
// construction; it is the snapshot taken when Publish began fan-out.
type DeliveryTracker struct {
	msg         interface{}
	channelName string

	mu       sync.Mutex
	outcomes map[int]deliveryState
	resolved bool

	onComplete   func()
	onResolved   func()
	onDeadLetter ResolveFunc
}

// NewDeliveryTracker creates a tracker with every subscriber slot pending.
func NewDeliveryTracker(msg interface{}, channelName string, subscriberIDs []int) *DeliveryTracker {
	outcomes := make(map[int]deliveryState, len(subscriberIDs))
	for _, id := range subscriberIDs {
		outcomes[id] = statePending
	}

	return &DeliveryTracker{
		msg:         msg,
		channelName: channelName,
		outcomes:    outcomes,
	}
}

// OnComplete registers the callback fired once at resolution when every
// subscriber acked. Replaces any prior registration.
func (t *DeliveryTracker) OnComplete(f func()) {
	t.mu.Lock()
	t.onComplete = f
	t.mu.Unlock()
}

// OnResolved registers the callback fired once at resolution, regardless of
// outcome. Replaces any prior registration.
func (t *DeliveryTracker) OnResolved(f func()) {
	t.mu.Lock()
	t.onResolved = f
	t.mu.Unlock()
}

// OnDeadLetter registers the callback fired with the subscriber id on every
// nack. Replaces any prior registration.
func (t *DeliveryTracker) OnDeadLetter(f ResolveFunc) {
	t.mu.Lock()
	t.onDeadLetter = f
	t.mu.Unlock()
}

// Ack records a positive outcome for subscriberID.
func (t *DeliveryTracker) Ack(subscriberID int) error {
	return t.record(subscriberID, stateAcked)
}

// Nack records a negative outcome for subscriberID and fires the
// dead-letter callback.
func (t *DeliveryTracker) Nack(subscriberID int) error {
	return t.record(subscriberID, stateNacked)
}

func (t *DeliveryTracker) record(subscriberID int, outcome deliveryState) error {
	t.mu.Lock()

	current, ok := t.outcomes[subscriberID]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrUnknownSubscriber, "subscriber %d is not in the snapshot for channel %s", subscriberID, t.channelName)
	}
	if current != statePending {
		t.mu.Unlock()
		return errors.Wrapf(ErrAlreadyResolved, "subscriber %d already resolved as %s", subscriberID, current)
	}

	t.outcomes[subscriberID] = outcome

	deadLetter := t.onDeadLetter
	complete, resolvedCb := t.resolutionLocked()
	t.mu.Unlock()

	if outcome == stateNacked && deadLetter != nil {
		deadLetter(subscriberID)
	}
	if complete != nil {
		complete()
	}
	if resolvedCb != nil {
		resolvedCb()
	}

	return nil
}

// resolutionLocked flips the resolved flag when the last pending slot just
// resolved, returning the callbacks to fire outside the lock.
func (t *DeliveryTracker) resolutionLocked() (complete func(), resolved func()) {
	if t.resolved {
		return nil, nil
	}

	delivered := true
	for _, outcome := range t.outcomes {
		if outcome == statePending {
			return nil, nil
		}
		if outcome != stateAcked {
			delivered = false
		}
	}

	t.resolved = true

	if delivered {
		complete = t.onComplete
	}

	return complete, t.onResolved
}

// FullyDelivered reports whether every subscriber acked.
func (t *DeliveryTracker) FullyDelivered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, outcome := range t.outcomes {
		if outcome != stateAcked {
			return false
		}
	}

	return true
}

// FullyResolved reports whether no subscriber slot is still pending.
func (t *DeliveryTracker) FullyResolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, outcome := range t.outcomes {
		if outcome == statePending {
			return false
		}
	}

	return true
}

// PendingCount returns the number of subscriber slots still pending.
func (t *DeliveryTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := 0
	for _, outcome := range t.outcomes {
		if outcome == statePending {
			pending++
		}
	}

	return pending
}

// Message returns the published payload by reference.
func (t *DeliveryTracker) Message() interface{} {
	return t.msg
}

// ChannelName returns the name of the channel the message was published on.
func (t *DeliveryTracker) ChannelName() string {
	return t.channelName
}
