package connecttunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned when the target address is missing or malformed.
	ErrInvalidTarget = errors.New("connecttunnel: invalid target address")

	// ErrUnsupportedNetwork is returned by dialers for non-TCP networks.
	ErrUnsupportedNetwork = errors.New("connecttunnel: unsupported network")

	// ErrTunnelRejected wraps the error returned by OnTunnel.
	ErrTunnelRejected = errors.New("connecttunnel: tunnel rejected")

	// ErrUpstreamDial wraps a failure to dial the tunnel target.
	ErrUpstreamDial = errors.New("connecttunnel: failed to dial upstream")

	// ErrProxyConnect is returned when reaching or talking to the proxy fails.
	ErrProxyConnect = errors.New("connecttunnel: proxy connection failed")
)

// ProxyError is a non-200 answer to a CONNECT request.
type ProxyError struct {
	StatusCode int
	// Status is the status line, e.g. "403 Forbidden".
	Status string
	// Message is the start of the response body, if any.
	Message string
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("connecttunnel: proxy returned %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("connecttunnel: proxy returned %s", e.Status)
}

// Is reports whether target is a *ProxyError, so errors.Is(err,
// &ProxyError{}) matches any status.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}
