package bus

import (
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Publish and Subscribe after the channel's
	// lifecycle has ended.
	ErrClosed = errors.New("channel is closed")

	// ErrTypeMismatch is returned by Publish when the channel carries a type
	// constraint and the payload is not assignable to it.
	ErrTypeMismatch = errors.New("message type mismatch")

	// ErrUnknownChannel is returned by registry operations for names that
	// were never added (or were removed).
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrAlreadyResolved is returned when Ack or Nack is called on a
	// delivery (or a tracker slot) that already reached a terminal state.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrUnknownSubscriber is returned by tracker Ack/Nack for a subscriber
	// id that was not part of the publish-time snapshot.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)
