package bus

import (
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
)

// Registry is the facade over a set of named channels. All channels added
// through one registry share its configuration (the bus tier of the
// cascade), its counter map and its logger.
type Registry struct {
	config   Config
	logger   watermill.LoggerAdapter
	counters *Counters

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates a registry whose config forms the bus tier: channel
// options passed to AddChannel are resolved against it.
func NewRegistry(config Config) *Registry {
	config.setDefaults()

	return &Registry{
		config:   config,
		logger:   config.Logger,
		counters: NewCounters(),
		channels: make(map[string]*Channel),
	}
}

// AddChannel creates and registers a channel under name, with opts resolved
// against the registry's configuration. Fails when the name is taken or the
// resolved configuration is invalid.
func (r *Registry) AddChannel(name string, opts Options) (*Channel, error) {
	ch, err := NewChannel(name, r.config.Apply(opts), r.counters)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[name]; ok {
		return nil, errors.Errorf("channel %s already exists", name)
	}
	r.channels[name] = ch

	r.logger.Debug("Channel added", watermill.LogFields{
		"channel": name,
	})

	return ch, nil
}

// RemoveChannel forgets the channel under name. No-op for unknown names; the
// channel itself is left as it is.
func (r *Registry) RemoveChannel(name string) {
	r.mu.Lock()
	delete(r.channels, name)
	r.mu.Unlock()
}

// Channel returns the channel registered under name.
func (r *Registry) Channel(name string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "channel %s", name)
	}

	return ch, nil
}

// Publish increments <name>_published and delegates to the channel.
func (r *Registry) Publish(name string, msg interface{}) (*DeliveryTracker, error) {
	ch, err := r.Channel(name)
	if err != nil {
		return nil, err
	}

	r.counters.Inc(name + "_published")

	return ch.Publish(msg)
}

// Subscribe delegates to the channel, returning the subscriber id.
func (r *Registry) Subscribe(name string, handler Handler) (int, error) {
	ch, err := r.Channel(name)
	if err != nil {
		return 0, err
	}

	return ch.Subscribe(handler)
}

// Unsubscribe removes the subscriber with the given id from the channel.
func (r *Registry) Unsubscribe(name string, id int) error {
	ch, err := r.Channel(name)
	if err != nil {
		return err
	}

	ch.Unsubscribe(id)

	return nil
}

// Pending reports whether the channel has unresolved publishes.
func (r *Registry) Pending(name string) (bool, error) {
	ch, err := r.Channel(name)
	if err != nil {
		return false, err
	}

	return ch.Pending(), nil
}

// PendingCount returns the channel's number of unresolved publishes.
func (r *Registry) PendingCount(name string) (int, error) {
	ch, err := r.Channel(name)
	if err != nil {
		return 0, err
	}

	return ch.PendingCount(), nil
}

// DeadLetters returns the channel's dead-letter queue.
func (r *Registry) DeadLetters(name string) (*DeadLetterQueue, error) {
	ch, err := r.Channel(name)
	if err != nil {
		return nil, err
	}

	return ch.DeadLetters(), nil
}

// Close closes the channel registered under name.
func (r *Registry) Close(name string) error {
	ch, err := r.Channel(name)
	if err != nil {
		return err
	}

	return ch.Close()
}

// CloseAll closes every registered channel.
func (r *Registry) CloseAll() error {
	for _, ch := range r.snapshot() {
		if err := ch.Close(); err != nil {
			return errors.Wrapf(err, "cannot close channel %s", ch.Name())
		}
	}

	return nil
}

// Clear hard-resets every registered channel.
func (r *Registry) Clear() {
	for _, ch := range r.snapshot() {
		ch.Clear()
	}
}

// HasChannel reports whether name is registered.
func (r *Registry) HasChannel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.channels[name]

	return ok
}

// ChannelNames returns the registered names in lexical order.
func (r *Registry) ChannelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Stats returns the counter map shared by the registry's channels.
func (r *Registry) Stats() *Counters {
	return r.counters
}

func (r *Registry) snapshot() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}

	return out
}
