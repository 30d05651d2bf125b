package bus

import (
	"reflect"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
)

// Config holds the fully resolved scalars a channel is constructed with.
// The three-tier cascade (package defaults, bus overrides, channel
// overrides) happens before construction; the channel never sees it.
type Config struct {
	// Timeout is how long a subscriber may hold a delivery before it is
	// nacked automatically. Zero disables the auto-nack.
	Timeout time.Duration

	// MaxPending bounds the number of unresolved publishes. Publish blocks
	// while the bound is reached. Zero means unbounded.
	MaxPending int

	// Throttle is the remaining-capacity ratio at or below which Publish
	// starts to delay cooperatively. Zero disables throttling; a non-zero
	// value must lie strictly between 0 and 1 and requires MaxPending.
	Throttle float64

	// MessageType, when set, constrains published payloads: Publish fails
	// with ErrTypeMismatch for payloads not assignable to it.
	MessageType reflect.Type

	// Logger receives the channel's structured output. Nil disables logging.
	Logger watermill.LoggerAdapter
}

// Options is one override tier of the cascade. Nil fields inherit from the
// tier below; non-nil fields are explicit, so a pointer to zero means
// "explicitly nothing" (no timeout, unbounded, throttle disabled) rather
// than "use the default".
type Options struct {
	Timeout     *time.Duration
	MaxPending  *int
	Throttle    *float64
	MessageType reflect.Type
}

// Duration returns a pointer for use in Options.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Int returns a pointer for use in Options.
func Int(i int) *int {
	return &i
}

// Float returns a pointer for use in Options.
func Float(f float64) *float64 {
	return &f
}

// DefaultConfig returns the package defaults: no timeout, unbounded, no
// throttle, no type constraint, no logging.
func DefaultConfig() Config {
	return Config{}
}

// Apply returns a copy of c with the explicit fields of o overriding it.
func (c Config) Apply(o Options) Config {
	if o.Timeout != nil {
		c.Timeout = *o.Timeout
	}
	if o.MaxPending != nil {
		c.MaxPending = *o.MaxPending
	}
	if o.Throttle != nil {
		c.Throttle = *o.Throttle
	}
	if o.MessageType != nil {
		c.MessageType = o.MessageType
	}

	return c
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = watermill.NopLogger{}
	}
}

// Validate ensures the configuration is usable before construction.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.MaxPending < 0 {
		return errors.Errorf("max pending must not be negative, got %d", c.MaxPending)
	}
	if c.Throttle != 0 {
		if c.Throttle <= 0 || c.Throttle >= 1 {
			return errors.Errorf("throttle must be strictly between 0 and 1, got %v", c.Throttle)
		}
		if c.MaxPending == 0 {
			return errors.New("throttle requires max pending to be set")
		}
	}

	return nil
}
