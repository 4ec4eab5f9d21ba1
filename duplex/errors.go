package duplex

import "errors"

var (
	// ErrNotConnected is returned by Read on a socket that was never
	// connected or bound to a stream.
	ErrNotConnected = errors.New("duplex: socket not connected")

	// ErrWriteAfterEnd is returned when writing after the end marker was queued.
	ErrWriteAfterEnd = errors.New("duplex: write after end")

	// ErrAlreadyConnected is returned by Connect on a socket that left the idle state.
	ErrAlreadyConnected = errors.New("duplex: socket already connecting or connected")
)
