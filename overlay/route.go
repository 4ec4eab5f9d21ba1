package overlay

import (
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// Route describes how to reach a protocol handler: the first peer's
// address, the relay hops to extend through in order, and the protocol to
// open on the final peer.
type Route struct {
	Addr     ma.Multiaddr
	Protocol protocol.ID
	Hops     []peer.ID
}

// ParseRoute builds a Route from its textual parts.
func ParseRoute(addr, proto string, hops ...string) (Route, error) {
	if addr == "" {
		return Route{}, &ConfigError{Field: "address", Reason: "is required"}
	}
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return Route{}, &ConfigError{Field: "address", Reason: err.Error()}
	}
	r := Route{Addr: m, Protocol: protocol.ID(proto)}
	for _, h := range hops {
		id, err := peer.Decode(h)
		if err != nil {
			return Route{}, &ConfigError{Field: "hop", Reason: fmt.Sprintf("%q: %v", h, err)}
		}
		r.Hops = append(r.Hops, id)
	}
	return r, nil
}

// Target returns the peer the protocol stream is opened on.
func (r Route) Target() peer.ID {
	if len(r.Hops) > 0 {
		return r.Hops[len(r.Hops)-1]
	}
	if r.Addr == nil {
		return ""
	}
	info, err := peer.AddrInfoFromP2pAddr(r.Addr)
	if err != nil {
		return ""
	}
	return info.ID
}

func (r Route) String() string {
	var b strings.Builder
	if r.Addr != nil {
		b.WriteString(r.Addr.String())
	}
	for _, h := range r.Hops {
		b.WriteString(" -> ")
		b.WriteString(h.String())
	}
	b.WriteString(" ")
	b.WriteString(string(r.Protocol))
	return b.String()
}

func (r Route) validate() error {
	if r.Addr == nil {
		return &ConfigError{Field: "address", Reason: "is required"}
	}
	if r.Protocol == "" {
		return &ConfigError{Field: "protocol", Reason: "is required"}
	}
	for i, h := range r.Hops {
		if h == "" {
			return &ConfigError{Field: "hop", Reason: fmt.Sprintf("%d is empty", i)}
		}
	}
	return nil
}

// normalizeProtocol prefixes proto with "/" when it is missing.
func normalizeProtocol(proto protocol.ID) protocol.ID {
	if proto == "" || strings.HasPrefix(string(proto), "/") {
		return proto
	}
	return "/" + proto
}

// Addr is the net.Addr of an overlay socket.
type Addr struct {
	Peer      peer.ID
	Protocol  protocol.ID
	Multiaddr ma.Multiaddr
}

func (a Addr) Network() string { return "libp2p" }

func (a Addr) String() string {
	if a.Multiaddr != nil {
		return a.Multiaddr.String() + string(a.Protocol)
	}
	return "/p2p/" + a.Peer.String() + string(a.Protocol)
}
