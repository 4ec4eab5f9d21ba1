package pool

import (
	"context"
	"net"
)

// DialFunc has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector is the socket creation strategy of an Agent.
type Connector interface {
	// Key returns the destination key for o. Requests with equal keys
	// share sockets.
	Key(o *Options) string

	// Connect creates a new socket for o. key is the value Key returned.
	Connect(ctx context.Context, key string, o *Options) (net.Conn, error)
}

// NewNetConnector returns a Connector that dials plain TCP or unix sockets.
// If d is nil a zero net.Dialer is used. LocalAddress in Options binds the
// local side of TCP connections.
func NewNetConnector(d *net.Dialer) Connector {
	if d == nil {
		d = &net.Dialer{}
	}
	return &netConnector{dialer: d}
}

type netConnector struct {
	dialer *net.Dialer
}

func (c *netConnector) Key(o *Options) string { return Key(o) }

func (c *netConnector) Connect(ctx context.Context, key string, o *Options) (net.Conn, error) {
	network, address := o.address()
	d := c.dialer
	if o.LocalAddress != "" && network != "unix" {
		dd := *d
		dd.LocalAddr = &net.TCPAddr{IP: net.ParseIP(o.LocalAddress)}
		d = &dd
	}
	return d.DialContext(ctx, network, address)
}

// NewDialConnector returns a Connector that creates sockets with dial, for
// example an overlay or CONNECT proxy dialer. Keys are plain keys.
func NewDialConnector(dial DialFunc) Connector {
	return &dialConnector{dial: dial}
}

type dialConnector struct {
	dial DialFunc
}

func (c *dialConnector) Key(o *Options) string { return Key(o) }

func (c *dialConnector) Connect(ctx context.Context, key string, o *Options) (net.Conn, error) {
	network, address := o.address()
	return c.dial(ctx, network, address)
}
