package overlay

import (
	"context"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// Network is the overlay capability the connect and listen state machines
// depend on.
type Network interface {
	// LocalPeer returns the identity of this node.
	LocalPeer() peer.ID

	// Dial connects to the peer addressed by addr, which must carry a
	// /p2p/<id> component.
	Dial(ctx context.Context, addr ma.Multiaddr) (Connection, error)

	// Extend reaches hop through via, which acts as a relay.
	Extend(ctx context.Context, via Connection, hop peer.ID) (Connection, error)

	// Handle registers handler for inbound streams speaking proto.
	Handle(proto protocol.ID, handler func(Inbound))

	// Unhandle removes the handler for proto.
	Unhandle(proto protocol.ID)
}

// HopLimiter is implemented by networks that can only extend through a
// bounded number of relays. Dialer.Connect rejects longer routes.
type HopLimiter interface {
	MaxHops() int
}

// Connection is an established connection to a remote peer.
type Connection interface {
	RemotePeer() peer.ID
	RemoteMultiaddr() ma.Multiaddr
	OpenStream(ctx context.Context, proto protocol.ID) (Stream, error)
}

// Stream is a bidirectional protocol stream. network.Stream satisfies it.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
	Reset() error
}

// Inbound describes a stream opened by a remote peer.
type Inbound struct {
	Stream     Stream
	RemotePeer peer.ID
	RemoteAddr ma.Multiaddr
	Protocol   protocol.ID
}

// HostNetwork implements Network on a libp2p host. A hop is reached over a
// circuit relay v2 connection through the dialed peer, which must run a
// relay service and hold a reservation for the hop. Circuit v2 does not
// nest, so routes carry at most one hop.
type HostNetwork struct {
	h host.Host
}

var _ Network = (*HostNetwork)(nil)

// NewHostNetwork wraps h.
func NewHostNetwork(h host.Host) *HostNetwork {
	return &HostNetwork{h: h}
}

// Host returns the wrapped libp2p host.
func (n *HostNetwork) Host() host.Host { return n.h }

func (n *HostNetwork) LocalPeer() peer.ID { return n.h.ID() }

func (n *HostNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (Connection, error) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: address %s: %w", addr, err)
	}
	if err := n.h.Connect(ctx, *info); err != nil {
		return nil, err
	}
	return &hostConn{h: n.h, peer: info.ID, addr: addr}, nil
}

// MaxHops implements HopLimiter.
func (n *HostNetwork) MaxHops() int { return 1 }

func (n *HostNetwork) Extend(ctx context.Context, via Connection, hop peer.ID) (Connection, error) {
	if hc, ok := via.(*hostConn); ok && hc.limited {
		return nil, fmt.Errorf("overlay: %s is itself relayed and cannot relay to %s", hc.peer, hop)
	}
	circuit, err := ma.NewMultiaddr("/p2p-circuit/p2p/" + hop.String())
	if err != nil {
		return nil, err
	}
	addr := via.RemoteMultiaddr().Encapsulate(circuit)
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: relay address %s: %w", addr, err)
	}
	if err := n.h.Connect(network.WithAllowLimitedConn(ctx, "relay hop"), *info); err != nil {
		return nil, err
	}
	return &hostConn{h: n.h, peer: hop, addr: addr, limited: true}, nil
}

func (n *HostNetwork) Handle(proto protocol.ID, handler func(Inbound)) {
	n.h.SetStreamHandler(proto, func(s network.Stream) {
		handler(Inbound{
			Stream:     s,
			RemotePeer: s.Conn().RemotePeer(),
			RemoteAddr: s.Conn().RemoteMultiaddr(),
			Protocol:   s.Protocol(),
		})
	})
}

func (n *HostNetwork) Unhandle(proto protocol.ID) {
	n.h.RemoveStreamHandler(proto)
}

// hostConn addresses a peer reachable from the host. libp2p keeps the
// underlying connections; this only records how the peer was reached.
type hostConn struct {
	h       host.Host
	peer    peer.ID
	addr    ma.Multiaddr
	limited bool
}

func (c *hostConn) RemotePeer() peer.ID { return c.peer }

func (c *hostConn) RemoteMultiaddr() ma.Multiaddr { return c.addr }

func (c *hostConn) OpenStream(ctx context.Context, proto protocol.ID) (Stream, error) {
	if c.limited {
		ctx = network.WithAllowLimitedConn(ctx, string(proto))
	}
	s, err := c.h.NewStream(ctx, c.peer, proto)
	if err != nil {
		return nil, err
	}
	return s, nil
}
