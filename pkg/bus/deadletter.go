package bus

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// DeadLetterQueue is the insertion-ordered store of failed deliveries for a
// single channel.
type DeadLetterQueue struct {
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	entries []*Delivery
	onPush  func(*Delivery)
}

// NewDeadLetterQueue creates an empty queue. A nil logger disables logging.
func NewDeadLetterQueue(logger watermill.LoggerAdapter) *DeadLetterQueue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return &DeadLetterQueue{
		logger: logger,
	}
}

// SetOnPush registers the callback fired after every push. Replaces any
// prior registration; nil unregisters.
func (q *DeadLetterQueue) SetOnPush(f func(*Delivery)) {
	q.mu.Lock()
	q.onPush = f
	q.mu.Unlock()
}

// Push appends a failed delivery.
func (q *DeadLetterQueue) Push(d *Delivery) {
	q.mu.Lock()
	q.entries = append(q.entries, d)
	onPush := q.onPush
	q.mu.Unlock()

	q.logger.Debug("Delivery dead-lettered", watermill.LogFields{
		"channel":       d.ChannelName(),
		"subscriber_id": d.SubscriberID(),
		"delivery_uuid": d.UUID(),
		"reason":        d.Reason(),
	})

	if onPush != nil {
		onPush(d)
	}
}

// Size returns the number of stored deliveries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Empty reports whether the queue holds no deliveries.
func (q *DeadLetterQueue) Empty() bool {
	return q.Size() == 0
}

// Each calls f for every stored delivery in insertion order.
func (q *DeadLetterQueue) Each(f func(*Delivery)) {
	for _, d := range q.snapshot() {
		f(d)
	}
}

// Entries returns a snapshot of the stored deliveries in insertion order.
func (q *DeadLetterQueue) Entries() []*Delivery {
	return q.snapshot()
}

// Drain empties the queue and returns the previous contents in insertion
// order.
func (q *DeadLetterQueue) Drain() []*Delivery {
	q.mu.Lock()
	drained := q.entries
	q.entries = nil
	q.mu.Unlock()

	return drained
}

// Clear discards all stored deliveries.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

func (q *DeadLetterQueue) snapshot() []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Delivery, len(q.entries))
	copy(out, q.entries)

	return out
}
