package overlay

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"lds.li/netagent/duplex"
)

// Dialer opens duplex sockets to protocol handlers on remote peers.
type Dialer struct {
	Network Network
	Logger  *zap.Logger
	// Socket is the template for the sockets Connect returns. Its
	// RemoteAddr is replaced with the route's address.
	Socket duplex.Options
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Connect starts connecting over route and returns the socket immediately
// in the connecting state. Writes made before the connection opens are
// queued. onConnect, if set, is called exactly once with the outcome.
//
// Configuration errors, including a route with more hops than a
// HopLimiter network supports, are returned synchronously and nothing is
// dialed.
// Otherwise the network is dialed, each hop is extended through in order,
// and the protocol stream is opened on the final peer. The first failure
// destroys the socket with a *DialError.
func (d *Dialer) Connect(ctx context.Context, route Route, onConnect func(error)) (*duplex.Socket, error) {
	if d.Network == nil {
		return nil, &ConfigError{Field: "network", Reason: "is required"}
	}
	if err := route.validate(); err != nil {
		return nil, err
	}
	if hl, ok := d.Network.(HopLimiter); ok && len(route.Hops) > hl.MaxHops() {
		return nil, &ConfigError{Field: "hops", Reason: fmt.Sprintf("exceed the %d this network supports", hl.MaxHops())}
	}
	route.Protocol = normalizeProtocol(route.Protocol)

	opts := d.Socket
	opts.RemoteAddr = Addr{Peer: route.Target(), Protocol: route.Protocol, Multiaddr: route.Addr}
	if opts.LocalAddr == nil {
		opts.LocalAddr = Addr{Peer: d.Network.LocalPeer(), Protocol: route.Protocol}
	}
	if opts.Logger == nil {
		opts.Logger = d.logger()
	}

	sock := duplex.New(opts)
	if onConnect != nil {
		sock.OnConnect(onConnect)
	}
	log := d.logger().With(zap.Stringer("route", route))
	if err := sock.Connect(ctx, func(ctx context.Context) (duplex.Stream, error) {
		st, err := d.establish(ctx, route)
		if err != nil {
			log.Debug("overlay connect failed", zap.Error(err))
			return duplex.Stream{}, err
		}
		log.Debug("overlay stream open")
		return st, nil
	}); err != nil {
		return nil, err
	}
	return sock, nil
}

func (d *Dialer) establish(ctx context.Context, route Route) (duplex.Stream, error) {
	conn, err := d.Network.Dial(ctx, route.Addr)
	if err != nil {
		return duplex.Stream{}, &DialError{Route: route, Err: err}
	}
	for i, hop := range route.Hops {
		next, err := d.Network.Extend(ctx, conn, hop)
		if err != nil {
			return duplex.Stream{}, &DialError{Route: route, Err: &HopError{Index: i, Peer: hop, Err: err}}
		}
		conn = next
	}
	s, err := conn.OpenStream(ctx, route.Protocol)
	if err != nil {
		return duplex.Stream{}, &DialError{Route: route, Err: err}
	}
	if s == nil {
		return duplex.Stream{}, &DialError{Route: route, Err: ErrNoStream}
	}
	return duplex.FromReadWriteCloser(s), nil
}

// Dial is the blocking form of Connect. It returns once the socket is open.
func (d *Dialer) Dial(ctx context.Context, route Route) (*duplex.Socket, error) {
	sock, err := d.Connect(ctx, route, nil)
	if err != nil {
		return nil, err
	}
	if err := sock.Wait(ctx); err != nil {
		sock.Destroy(err)
		return nil, err
	}
	return sock, nil
}

// RouteDialer adapts a fixed route to the DialContext signature used by
// net/http and the pool. The network and address arguments are ignored.
type RouteDialer struct {
	Dialer *Dialer
	Route  Route
}

func (r *RouteDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	return r.Dialer.Dial(ctx, r.Route)
}
