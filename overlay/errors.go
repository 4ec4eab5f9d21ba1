package overlay

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrConfig is matched by every *ConfigError.
	ErrConfig = errors.New("overlay: invalid configuration")

	// ErrNoStream is returned when the network opened no stream.
	ErrNoStream = errors.New("overlay: no stream returned")

	// ErrHop is matched by every *HopError.
	ErrHop = errors.New("overlay: relay hop failed")

	// ErrForwardRejected is returned when the exit peer refuses a forward.
	ErrForwardRejected = errors.New("overlay: forward rejected")
)

// ConfigError reports a missing or invalid parameter. It is returned before
// any network activity.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("overlay: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// HopError reports the failure of one relay hop.
type HopError struct {
	Index int
	Peer  peer.ID
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("overlay: hop %d (%s): %v", e.Index, e.Peer, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

func (e *HopError) Is(target error) bool { return target == ErrHop }

// DialError wraps a failed connect attempt with its route.
type DialError struct {
	Route Route
	Err   error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("overlay: connect %s: %v", e.Route, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
