package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHostNetworkEcho(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)

	l, err := (&ListenConfig{Network: NewHostNetwork(server), Protocol: "/netagent/echo/1.0.0"}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	serveEcho(t, l)

	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: server.ID(), Addrs: server.Addrs()})
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := &Dialer{Network: NewHostNetwork(client)}
	sock, err := d.Dial(ctx, Route{Addr: addrs[0], Protocol: "/netagent/echo/1.0.0"})
	require.NoError(t, err)

	assert.Equal(t, "over libp2p", roundTrip(t, sock, "over libp2p"))
	assert.Equal(t, server.ID(), sock.RemoteAddr().(Addr).Peer)
}

func TestHostNetworkUnknownProtocol(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)

	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: server.ID(), Addrs: server.Addrs()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := &Dialer{Network: NewHostNetwork(client)}
	_, err = d.Dial(ctx, Route{Addr: addrs[0], Protocol: "/netagent/missing/1.0.0"})
	var de *DialError
	assert.ErrorAs(t, err, &de)
}

func newRelayHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.EnableRelayService(),
		libp2p.ForceReachabilityPublic(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func p2pAddr(t *testing.T, h host.Host) ma.Multiaddr {
	t.Helper()
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	return addrs[0]
}

func TestHostNetworkRelayHop(t *testing.T) {
	relay := newRelayHost(t)
	exit := newTestHost(t)
	client := newTestHost(t)

	l, err := (&ListenConfig{Network: NewHostNetwork(exit), Protocol: "/netagent/echo/1.0.0"}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	serveEcho(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// The relay service starts asynchronously once reachability is known.
	r := &Reserver{Host: exit, Relay: peer.AddrInfo{ID: relay.ID(), Addrs: relay.Addrs()}}
	require.Eventually(t, func() bool {
		_, err := r.Reserve(ctx)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)

	d := &Dialer{Network: NewHostNetwork(client)}
	sock, err := d.Dial(ctx, Route{
		Addr:     p2pAddr(t, relay),
		Hops:     []peer.ID{exit.ID()},
		Protocol: "/netagent/echo/1.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "through the relay", roundTrip(t, sock, "through the relay"))
	assert.Equal(t, exit.ID(), sock.RemoteAddr().(Addr).Peer)
}

func TestHostNetworkRejectsNestedHops(t *testing.T) {
	relay := newRelayHost(t)
	client := newTestHost(t)

	d := &Dialer{Network: NewHostNetwork(client)}
	_, err := d.Connect(context.Background(), Route{
		Addr:     p2pAddr(t, relay),
		Hops:     []peer.ID{newPeerID(t), newPeerID(t)},
		Protocol: "/netagent/echo/1.0.0",
	}, nil)
	require.ErrorIs(t, err, ErrConfig)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "hops", cerr.Field)
	assert.Empty(t, client.Network().Conns(), "nothing is dialed")
}

func TestReserverRunStopsWithContext(t *testing.T) {
	relay := newRelayHost(t)
	exit := newTestHost(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := &Reserver{
		Host:          exit,
		Relay:         peer.AddrInfo{ID: relay.ID(), Addrs: relay.Addrs()},
		RetryInterval: 50 * time.Millisecond,
	}
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(exit.Network().ConnsToPeer(relay.ID())) > 0
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
