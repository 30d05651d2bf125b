package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ResolveFunc is invoked with the subscriber id when a delivery reaches a
// terminal state. It runs on the goroutine that triggered the transition.
type ResolveFunc func(subscriberID int)

type deliveryState int

const (
	statePending deliveryState = iota
	stateAcked
	stateNacked
)

func (s deliveryState) String() string {
	switch s {
	case stateAcked:
		return "acked"
	case stateNacked:
		return "nacked"
	default:
		return "pending"
	}
}

// Delivery is the per-subscriber envelope for a single published message.
// A delivery is pending until exactly one of Ack, Nack or the ack timeout
// resolves it; any later attempt fails with ErrAlreadyResolved.
type Delivery struct {
	msg          interface{}
	channelName  string
	subscriberID int
	uuid         string

	onAck  ResolveFunc
	onNack ResolveFunc

	mu       sync.Mutex
	state    deliveryState
	timedOut bool
	timer    *time.Timer
}

// NewDelivery creates a delivery and, when timeout is positive, arms the
// timer that will nack it if the subscriber never responds.
func NewDelivery(msg interface{}, channelName string, subscriberID int, timeout time.Duration, onAck, onNack ResolveFunc) *Delivery {
	d := newDelivery(msg, channelName, subscriberID, onAck, onNack)
	d.arm(timeout)

	return d
}

// newDelivery builds the envelope without arming the ack timer, so the
// channel can register the delivery before the timer can fire.
func newDelivery(msg interface{}, channelName string, subscriberID int, onAck, onNack ResolveFunc) *Delivery {
	return &Delivery{
		msg:          msg,
		channelName:  channelName,
		subscriberID: subscriberID,
		uuid:         uuid.NewString(),
		onAck:        onAck,
		onNack:       onNack,
	}
}

// arm starts the ack timer. A non-positive timeout leaves the delivery
// without one; arming a resolved delivery is a no-op.
func (d *Delivery) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	d.mu.Lock()
	if d.state == statePending && d.timer == nil {
		d.timer = time.AfterFunc(timeout, d.expire)
	}
	d.mu.Unlock()
}

// Ack resolves the delivery positively. Fails with ErrAlreadyResolved if the
// delivery already reached a terminal state.
func (d *Delivery) Ack() error {
	return d.resolve(stateAcked)
}

// Nack resolves the delivery negatively. Fails with ErrAlreadyResolved if the
// delivery already reached a terminal state.
func (d *Delivery) Nack() error {
	return d.resolve(stateNacked)
}

func (d *Delivery) resolve(target deliveryState) error {
	d.mu.Lock()
	if d.state != statePending {
		current := d.state
		d.mu.Unlock()
		return errors.Wrapf(ErrAlreadyResolved, "delivery %s is %s", d.uuid, current)
	}
	d.state = target
	timer := d.timer
	d.timer = nil
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	cb := d.onAck
	if target == stateNacked {
		cb = d.onNack
	}
	if cb != nil {
		cb(d.subscriberID)
	}

	return nil
}

// expire runs on the timer goroutine. The delivery may have resolved while
// the timer was in flight; in that case this is a no-op.
func (d *Delivery) expire() {
	d.mu.Lock()
	if d.state != statePending {
		d.mu.Unlock()
		return
	}
	d.state = stateNacked
	d.timedOut = true
	d.timer = nil
	d.mu.Unlock()

	if d.onNack != nil {
		d.onNack(d.subscriberID)
	}
}

// CancelTimeout stops the ack timer without resolving the delivery. It is
// idempotent and safe to call on a resolved delivery.
func (d *Delivery) CancelTimeout() {
	d.mu.Lock()
	timer := d.timer
	d.timer = nil
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// Pending reports whether the delivery has not yet resolved.
func (d *Delivery) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state == statePending
}

// Acked reports whether the delivery resolved positively.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state == stateAcked
}

// Nacked reports whether the delivery resolved negatively, including by
// timeout.
func (d *Delivery) Nacked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state == stateNacked
}

// TimedOut reports whether a timeout caused the nack.
func (d *Delivery) TimedOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.timedOut
}

// Reason describes why the delivery failed: "timeout" when the ack timer
// fired, "nack" otherwise.
func (d *Delivery) Reason() string {
	if d.TimedOut() {
		return "timeout"
	}

	return "nack"
}

// Message returns the payload by reference.
func (d *Delivery) Message() interface{} {
	return d.msg
}

// ChannelName returns the name of the channel the message was published on.
func (d *Delivery) ChannelName() string {
	return d.channelName
}

// SubscriberID returns the id of the subscriber this delivery targets.
// The sentinel NoSubscriber marks a publish that found no subscribers.
func (d *Delivery) SubscriberID() int {
	return d.subscriberID
}

// UUID returns the delivery's unique id, used for log and DLQ correlation.
func (d *Delivery) UUID() string {
	return d.uuid
}
