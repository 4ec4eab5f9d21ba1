package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is matched by every *ConfigError.
	ErrConfig = errors.New("pool: invalid configuration")

	// ErrAgentClosed is returned by Acquire after Close.
	ErrAgentClosed = errors.New("pool: agent closed")

	// ErrDial is matched by every *DialError.
	ErrDial = errors.New("pool: socket creation failed")
)

// ConfigError reports an invalid Config field. It is returned by New before
// any socket is created.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pool: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// DialError wraps a socket creation failure. It is delivered only to the
// request whose creation failed.
type DialError struct {
	Key string
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("pool: creating socket for %s: %v", e.Key, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) Is(target error) bool {
	return target == ErrDial
}
