// Package bus provides an in-process publish/subscribe message bus with
// explicit per-delivery acknowledgment, per-subscriber ack timeouts,
// dead-letter routing, bounded backpressure and capacity-based throttling.
package bus

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
)

// Handler processes a single delivery. It must resolve the delivery by
// calling Ack or Nack exactly once; an unresolved delivery is nacked by the
// channel's ack timeout, when one is configured.
type Handler func(*Delivery)

// NoSubscriber is the subscriber id carried by the synthesized delivery of a
// publish that found no subscribers.
const NoSubscriber = -1

// Channel is a named topic. Every published message is fanned out to a
// snapshot of the current subscribers, each receiving its own Delivery; a
// DeliveryTracker aggregates their outcomes. Failed deliveries are routed to
// the channel's dead-letter queue.
//
// All methods are safe for concurrent use. One mutex guards the channel's
// mutable state and is held across publish fan-out up to each dispatch
// point.
type Channel struct {
	name     string
	config   Config
	logger   watermill.LoggerAdapter
	counters *Counters
	dlq      *DeadLetterQueue

	mu          sync.Mutex
	gate        *gate
	subscribers map[int]Handler
	nextID      int
	pending     map[*DeliveryTracker]struct{}
	active      map[*Delivery]struct{}
	closed      bool
}

// NewChannel creates a channel with fully resolved configuration. A nil
// counters map gets a private one. Construction fails when the throttle is
// configured without a bound, or lies outside (0,1).
func NewChannel(name string, config Config, counters *Counters) (*Channel, error) {
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "cannot create channel %s", name)
	}

	if counters == nil {
		counters = NewCounters()
	}

	c := &Channel{
		name:        name,
		config:      config,
		logger:      config.Logger,
		counters:    counters,
		dlq:         NewDeadLetterQueue(config.Logger),
		subscribers: make(map[int]Handler),
		pending:     make(map[*DeliveryTracker]struct{}),
		active:      make(map[*Delivery]struct{}),
	}
	c.gate = newGate(&c.mu)

	return c, nil
}

// Name returns the channel's immutable name.
func (c *Channel) Name() string {
	return c.name
}

// Subscribe registers a handler and returns its id. Ids are assigned
// monotonically from 1 and never reused. Fails with ErrClosed after Close.
func (c *Channel) Subscribe(handler Handler) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.Wrapf(ErrClosed, "cannot subscribe to %s", c.name)
	}

	c.nextID++
	id := c.nextID
	c.subscribers[id] = handler

	c.logger.Debug("Subscriber added", watermill.LogFields{
		"channel":       c.name,
		"subscriber_id": id,
	})

	return id, nil
}

// Unsubscribe removes the subscriber with the given id. It is a no-op when
// the id is absent and never touches deliveries already in flight.
func (c *Channel) Unsubscribe(id int) {
	c.mu.Lock()
	delete(c.subscribers, id)
	c.mu.Unlock()
}

// UnsubscribeHandler removes every subscription whose handler is the given
// function. Go functions are not comparable, so identity is matched on the
// function pointer.
func (c *Channel) UnsubscribeHandler(handler Handler) {
	ptr := reflect.ValueOf(handler).Pointer()

	c.mu.Lock()
	for id, h := range c.subscribers {
		if reflect.ValueOf(h).Pointer() == ptr {
			delete(c.subscribers, id)
		}
	}
	c.mu.Unlock()
}

// Publish fans msg out to the current subscribers and returns the tracker
// aggregating their outcomes. With no subscribers it dead-letters the
// message and returns (nil, nil).
//
// Publish blocks while a bounded channel is at capacity, and delays
// cooperatively when the remaining-capacity ratio falls to the throttle
// threshold. It fails with ErrClosed on a closed channel (including one
// closed while blocked) and with ErrTypeMismatch when the payload violates
// the channel's type constraint.
func (c *Channel) Publish(msg interface{}) (*DeliveryTracker, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrClosed, "cannot publish to %s", c.name)
	}

	if c.config.MessageType != nil {
		t := reflect.TypeOf(msg)
		if t == nil || !t.AssignableTo(c.config.MessageType) {
			c.mu.Unlock()
			return nil, errors.Wrapf(ErrTypeMismatch, "channel %s accepts %s, got %v", c.name, c.config.MessageType, t)
		}
	}

	if err := c.throttleLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if c.config.MaxPending > 0 {
		for len(c.pending) >= c.config.MaxPending && !c.closed {
			c.gate.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return nil, errors.Wrapf(ErrClosed, "cannot publish to %s", c.name)
		}
	}

	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	if len(ids) == 0 {
		c.mu.Unlock()
		return nil, c.deadLetterUnrouted(msg)
	}

	tracker := NewDeliveryTracker(msg, c.name, ids)
	tracker.OnComplete(func() {
		c.counters.Inc(c.key("delivered"))
		c.logger.Trace("Message delivered to all subscribers", watermill.LogFields{
			"channel": c.name,
		})
	})
	tracker.OnResolved(func() {
		c.mu.Lock()
		delete(c.pending, tracker)
		c.gate.Broadcast()
		c.mu.Unlock()
	})
	c.pending[tracker] = struct{}{}

	// The snapshot and the handler lookup happen under one critical
	// section, so a slot normally has a handler. A slot without one is
	// resolved immediately as nacked so the tracker can never leak.
	type dispatch struct {
		delivery *Delivery
		handler  Handler
	}

	dispatches := make([]dispatch, 0, len(ids))
	var orphans []*Delivery

	for _, id := range ids {
		d := c.newTrackedDeliveryLocked(msg, id, tracker)

		handler, ok := c.subscribers[id]
		if !ok {
			orphans = append(orphans, d)
			continue
		}
		dispatches = append(dispatches, dispatch{delivery: d, handler: handler})
	}
	c.mu.Unlock()

	for _, d := range orphans {
		if err := d.Nack(); err != nil {
			c.logger.Error("Cannot nack orphaned delivery", err, watermill.LogFields{
				"channel":       c.name,
				"subscriber_id": d.SubscriberID(),
			})
		}
	}

	for _, dsp := range dispatches {
		go c.dispatch(dsp.delivery, dsp.handler)
	}

	return tracker, nil
}

// throttleLocked applies the adaptive delay. The mutex is released for the
// sleep and re-acquired afterwards; the caller still holds it on return.
func (c *Channel) throttleLocked() error {
	if c.config.Throttle == 0 || c.config.MaxPending == 0 {
		return nil
	}

	remaining := float64(c.config.MaxPending-len(c.pending)) / float64(c.config.MaxPending)
	if remaining > c.config.Throttle {
		return nil
	}

	c.counters.Inc(c.key("throttled"))

	// A full channel skips the formula; the backpressure wait blocks instead.
	if remaining <= 0 {
		return nil
	}

	delay := time.Duration(float64(time.Second) / (float64(c.config.MaxPending) * remaining))

	c.logger.Trace("Throttling publish", watermill.LogFields{
		"channel":         c.name,
		"remaining_ratio": remaining,
		"delay":           delay.String(),
	})

	c.mu.Unlock()
	time.Sleep(delay)
	c.mu.Lock()

	if c.closed {
		return errors.Wrapf(ErrClosed, "cannot publish to %s", c.name)
	}

	return nil
}

// deadLetterUnrouted handles a publish that found no subscribers: a single
// synthesized delivery carrying the NoSubscriber id goes straight to the DLQ.
func (c *Channel) deadLetterUnrouted(msg interface{}) error {
	d := newDelivery(msg, c.name, NoSubscriber, nil, nil)
	if err := d.Nack(); err != nil {
		return err
	}

	c.dlq.Push(d)
	c.counters.Inc(c.key("nacked"))
	c.counters.Inc(c.key("dead_lettered"))

	c.logger.Debug("No subscribers, message dead-lettered", watermill.LogFields{
		"channel":       c.name,
		"delivery_uuid": d.UUID(),
	})

	return nil
}

// newTrackedDeliveryLocked builds a delivery wired into tracker, registers
// it as active and arms its ack timer. The channel mutex must be held; the
// timer is armed only after registration so an immediate timeout cannot race
// the active set.
func (c *Channel) newTrackedDeliveryLocked(msg interface{}, id int, tracker *DeliveryTracker) *Delivery {
	var d *Delivery

	onAck := func(subscriberID int) {
		c.removeActive(d)
		if err := tracker.Ack(subscriberID); err != nil {
			c.logger.Error("Cannot ack tracker", err, watermill.LogFields{
				"channel":       c.name,
				"subscriber_id": subscriberID,
			})
		}
	}

	onNack := func(subscriberID int) {
		c.removeActive(d)
		if err := tracker.Nack(subscriberID); err != nil {
			c.logger.Error("Cannot nack tracker", err, watermill.LogFields{
				"channel":       c.name,
				"subscriber_id": subscriberID,
			})
		}

		c.dlq.Push(d)
		c.counters.Inc(c.key("dead_lettered"))
		if d.TimedOut() {
			c.counters.Inc(c.key("timed_out"))
		} else {
			c.counters.Inc(c.key("nacked"))
		}
	}

	d = newDelivery(msg, c.name, id, onAck, onNack)
	c.active[d] = struct{}{}
	d.arm(c.config.Timeout)

	return d
}

// dispatch runs a subscriber handler on its own goroutine. A panicking
// handler is logged and its delivery nacked if still pending.
func (c *Channel) dispatch(d *Delivery, handler Handler) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		c.logger.Error("Subscriber handler panicked", errors.Errorf("handler panic: %v", r), watermill.LogFields{
			"channel":       c.name,
			"subscriber_id": d.SubscriberID(),
			"delivery_uuid": d.UUID(),
		})

		if d.Pending() {
			if err := d.Nack(); err != nil {
				c.logger.Error("Cannot nack delivery after handler panic", err, watermill.LogFields{
					"channel":       c.name,
					"subscriber_id": d.SubscriberID(),
				})
			}
		}
	}()

	c.logger.Trace("Dispatching delivery", watermill.LogFields{
		"channel":       c.name,
		"subscriber_id": d.SubscriberID(),
		"delivery_uuid": d.UUID(),
	})

	handler(d)
}

func (c *Channel) removeActive(d *Delivery) {
	c.mu.Lock()
	delete(c.active, d)
	c.mu.Unlock()
}

// Close ends the channel's lifecycle. Every still-pending delivery is nacked
// (routing it to the DLQ) and blocked publishers are woken to fail with
// ErrClosed. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	actives := make([]*Delivery, 0, len(c.active))
	for d := range c.active {
		actives = append(actives, d)
	}
	c.mu.Unlock()

	c.logger.Debug("Closing channel", watermill.LogFields{
		"channel": c.name,
	})

	for _, d := range actives {
		if !d.Pending() {
			continue
		}
		if err := d.Nack(); err != nil && errors.Cause(err) != ErrAlreadyResolved {
			c.logger.Error("Cannot nack delivery on close", err, watermill.LogFields{
				"channel":       c.name,
				"subscriber_id": d.SubscriberID(),
			})
		}
	}

	c.mu.Lock()
	c.gate.Broadcast()
	c.mu.Unlock()

	return nil
}

// Clear hard-resets the channel: every ack timer is cancelled, the active
// deliveries, pending trackers and DLQ are discarded, and blocked publishers
// re-check capacity. The channel stays open.
func (c *Channel) Clear() {
	c.mu.Lock()
	actives := make([]*Delivery, 0, len(c.active))
	for d := range c.active {
		actives = append(actives, d)
	}
	c.active = make(map[*Delivery]struct{})
	c.pending = make(map[*DeliveryTracker]struct{})
	c.mu.Unlock()

	for _, d := range actives {
		d.CancelTimeout()
	}

	c.dlq.Clear()

	c.mu.Lock()
	c.gate.Broadcast()
	c.mu.Unlock()

	c.logger.Debug("Channel cleared", watermill.LogFields{
		"channel": c.name,
	})
}

// SubscriberCount returns the number of registered subscribers.
func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subscribers)
}

// PendingCount returns the number of unresolved publishes.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Pending reports whether any publish is still unresolved.
func (c *Channel) Pending() bool {
	return c.PendingCount() > 0
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// DeadLetters returns the channel's dead-letter queue.
func (c *Channel) DeadLetters() *DeadLetterQueue {
	return c.dlq
}

// Stats returns the counter map the channel writes to.
func (c *Channel) Stats() *Counters {
	return c.counters
}

func (c *Channel) key(suffix string) string {
	return c.name + "_" + suffix
}
