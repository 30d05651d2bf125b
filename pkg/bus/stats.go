package bus

import (
	"sync"
)

// Counters is a keyed counter map shared by the registry and its channels.
// Channels emit <name>_delivered, <name>_dead_lettered, <name>_nacked,
// <name>_timed_out and <name>_throttled; the registry adds <name>_published.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewCounters creates an empty counter map.
func NewCounters() *Counters {
	return &Counters{
		counts: make(map[string]int64),
	}
}

// Inc increments key by one.
func (c *Counters) Inc(key string) {
	c.Add(key, 1)
}

// Add increments key by delta.
func (c *Counters) Add(key string, delta int64) {
	c.mu.Lock()
	c.counts[key] += delta
	c.mu.Unlock()
}

// Get returns the current value for key, zero if never incremented.
func (c *Counters) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[key]
}

// Reset sets key back to zero.
func (c *Counters) Reset(key string) {
	c.mu.Lock()
	delete(c.counts, key)
	c.mu.Unlock()
}

// ResetAll drops every counter.
func (c *Counters) ResetAll() {
	c.mu.Lock()
	c.counts = make(map[string]int64)
	c.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}

	return out
}
