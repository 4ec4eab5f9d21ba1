package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lds.li/netagent/duplex"
)

var errReset = errors.New("stream reset")

type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newStreamPair() (*pipeStream, *pipeStream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeStream{r: ar, w: aw}, &pipeStream{r: br, w: bw}
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *pipeStream) CloseWrite() error           { return s.w.Close() }

func (s *pipeStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

func (s *pipeStream) Reset() error {
	_ = s.w.CloseWithError(errReset)
	return s.r.CloseWithError(errReset)
}

// fakeNetwork is a loopback overlay: streams opened on any connection are
// served by the handlers registered on the same network.
type fakeNetwork struct {
	local peer.ID

	mu        sync.Mutex
	calls     []string
	dialErr   error
	hopErr    map[peer.ID]error
	nilStream bool
	handlers  map[protocol.ID]func(Inbound)
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	return &fakeNetwork{
		local:    newPeerID(t),
		hopErr:   map[peer.ID]error{},
		handlers: map[protocol.ID]func(Inbound){},
	}
}

func (n *fakeNetwork) record(s string) {
	n.mu.Lock()
	n.calls = append(n.calls, s)
	n.mu.Unlock()
}

func (n *fakeNetwork) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNetwork) LocalPeer() peer.ID { return n.local }

func (n *fakeNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (Connection, error) {
	n.record("dial")
	if n.dialErr != nil {
		return nil, n.dialErr
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, err
	}
	return &fakeConn{n: n, peer: info.ID, addr: addr}, nil
}

func (n *fakeNetwork) Extend(ctx context.Context, via Connection, hop peer.ID) (Connection, error) {
	n.record("extend " + hop.String())
	if err := n.hopErr[hop]; err != nil {
		return nil, err
	}
	return &fakeConn{n: n, peer: hop, addr: via.RemoteMultiaddr()}, nil
}

func (n *fakeNetwork) Handle(proto protocol.ID, handler func(Inbound)) {
	n.mu.Lock()
	n.handlers[proto] = handler
	n.mu.Unlock()
}

func (n *fakeNetwork) Unhandle(proto protocol.ID) {
	n.mu.Lock()
	delete(n.handlers, proto)
	n.mu.Unlock()
}

func (n *fakeNetwork) handler(proto protocol.ID) func(Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[proto]
}

type fakeConn struct {
	n    *fakeNetwork
	peer peer.ID
	addr ma.Multiaddr
}

func (c *fakeConn) RemotePeer() peer.ID           { return c.peer }
func (c *fakeConn) RemoteMultiaddr() ma.Multiaddr { return c.addr }

func (c *fakeConn) OpenStream(ctx context.Context, proto protocol.ID) (Stream, error) {
	c.n.record("open " + string(proto))
	if c.n.nilStream {
		return nil, nil
	}
	h := c.n.handler(proto)
	if h == nil {
		return nil, errors.New("protocols not supported")
	}
	a, b := newStreamPair()
	go h(Inbound{Stream: b, RemotePeer: c.n.local, Protocol: proto})
	return a, nil
}

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func testRoute(t *testing.T, proto string, hops ...peer.ID) Route {
	t.Helper()
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001/p2p/" + newPeerID(t).String())
	require.NoError(t, err)
	return Route{Addr: addr, Protocol: protocol.ID(proto), Hops: hops}
}

func serveEcho(t *testing.T, l net.Listener) {
	t.Helper()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				if cw, ok := c.(interface{ CloseWrite() error }); ok {
					_ = cw.CloseWrite()
				}
			}()
		}
	}()
}

func roundTrip(t *testing.T, c net.Conn, msg string) string {
	t.Helper()
	_, err := io.WriteString(c, msg)
	require.NoError(t, err)
	require.NoError(t, c.(interface{ CloseWrite() error }).CloseWrite())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(got)
}

func TestDialerFollowsRouteInOrder(t *testing.T) {
	n := newFakeNetwork(t)
	lc := &ListenConfig{Network: n, Protocol: "/echo"}
	l, err := lc.Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	serveEcho(t, l)

	h1, h2 := newPeerID(t), newPeerID(t)
	d := &Dialer{Network: n}
	sock, err := d.Dial(context.Background(), testRoute(t, "/echo", h1, h2))
	require.NoError(t, err)

	assert.Equal(t, []string{"dial", "extend " + h1.String(), "extend " + h2.String(), "open /echo"}, n.Calls())
	assert.Equal(t, duplex.StateOpen, sock.State())
	assert.Equal(t, "ping", roundTrip(t, sock, "ping"))

	ra := sock.RemoteAddr().(Addr)
	assert.Equal(t, h2, ra.Peer)
	assert.Equal(t, "libp2p", ra.Network())
}

func TestDialerQueuesWritesWhileConnecting(t *testing.T) {
	n := newFakeNetwork(t)
	l, err := (&ListenConfig{Network: n, Protocol: "/echo"}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	serveEcho(t, l)

	d := &Dialer{Network: n}
	connected := make(chan error, 1)
	sock, err := d.Connect(context.Background(), testRoute(t, "/echo"), func(err error) { connected <- err })
	require.NoError(t, err)
	require.NoError(t, sock.Send([]byte("early"), nil))
	require.NoError(t, sock.End(nil))

	require.NoError(t, <-connected)
	got, err := io.ReadAll(sock)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))
}

func TestDialerHopFailureStopsRoute(t *testing.T) {
	n := newFakeNetwork(t)
	h1, h2 := newPeerID(t), newPeerID(t)
	n.hopErr[h1] = errors.New("no reservation")

	d := &Dialer{Network: n}
	connected := make(chan error, 1)
	sock, err := d.Connect(context.Background(), testRoute(t, "/echo", h1, h2), func(err error) { connected <- err })
	require.NoError(t, err)

	err = <-connected
	require.Error(t, err)
	var hop *HopError
	require.ErrorAs(t, err, &hop)
	assert.Equal(t, 0, hop.Index)
	assert.Equal(t, h1, hop.Peer)
	assert.ErrorIs(t, err, ErrHop)

	assert.Equal(t, []string{"dial", "extend " + h1.String()}, n.Calls())
	assert.Equal(t, duplex.StateFailed, sock.State())
	assert.True(t, sock.Destroyed())
}

func TestDialerDialFailure(t *testing.T) {
	n := newFakeNetwork(t)
	n.dialErr = errors.New("unreachable")
	d := &Dialer{Network: n}
	_, err := d.Dial(context.Background(), testRoute(t, "/echo", newPeerID(t)))
	var de *DialError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, n.dialErr)
	assert.Equal(t, []string{"dial"}, n.Calls())
}

func TestDialerNilStream(t *testing.T) {
	n := newFakeNetwork(t)
	n.nilStream = true
	d := &Dialer{Network: n}
	_, err := d.Dial(context.Background(), testRoute(t, "/echo"))
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestDialerConfigErrors(t *testing.T) {
	n := newFakeNetwork(t)
	d := &Dialer{Network: n}

	_, err := d.Connect(context.Background(), Route{Protocol: "/echo"}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	r := testRoute(t, "")
	_, err = d.Connect(context.Background(), r, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = (&Dialer{}).Connect(context.Background(), testRoute(t, "/echo"), nil)
	assert.ErrorIs(t, err, ErrConfig)

	assert.Empty(t, n.Calls())
}

type hopLimitedNetwork struct {
	*fakeNetwork
	max int
}

func (n hopLimitedNetwork) MaxHops() int { return n.max }

func TestDialerHopLimit(t *testing.T) {
	n := hopLimitedNetwork{fakeNetwork: newFakeNetwork(t), max: 1}
	d := &Dialer{Network: n}

	_, err := d.Connect(context.Background(), testRoute(t, "/echo", newPeerID(t), newPeerID(t)), nil)
	require.ErrorIs(t, err, ErrConfig)
	assert.Empty(t, n.Calls())
}

func TestProtocolNormalized(t *testing.T) {
	n := newFakeNetwork(t)
	l, err := (&ListenConfig{Network: n, Protocol: "echo"}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	serveEcho(t, l)
	assert.NotNil(t, n.handler("/echo"))

	d := &Dialer{Network: n}
	sock, err := d.Dial(context.Background(), testRoute(t, "echo"))
	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, []string{"dial", "open /echo"}, n.Calls())
}

func TestParseRoute(t *testing.T) {
	id := newPeerID(t)
	hop := newPeerID(t)
	r, err := ParseRoute("/ip4/127.0.0.1/tcp/4001/p2p/"+id.String(), "/echo", hop.String())
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{hop}, r.Hops)
	assert.Equal(t, hop, r.Target())

	r.Hops = nil
	assert.Equal(t, id, r.Target())

	_, err = ParseRoute("", "/echo")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = ParseRoute("not a multiaddr", "/echo")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = ParseRoute("/ip4/127.0.0.1/tcp/1/p2p/"+id.String(), "/echo", "bogus")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestListenerMaxConnections(t *testing.T) {
	n := newFakeNetwork(t)
	l, err := (&ListenConfig{Network: n, Protocol: "/echo", MaxConnections: 1}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()

	d := &Dialer{Network: n}
	first, err := d.Dial(context.Background(), testRoute(t, "/echo"))
	require.NoError(t, err)
	accepted, err := l.Accept()
	require.NoError(t, err)
	assert.Equal(t, 1, l.Connections())

	second, err := d.Dial(context.Background(), testRoute(t, "/echo"))
	require.NoError(t, err)
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Empty(t, got, "rejected stream is closed by the listener")
	assert.Equal(t, 1, l.Connections())

	first.Close()
	accepted.Close()
	assert.Eventually(t, func() bool { return l.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListenersShareRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := (&ListenConfig{Network: newFakeNetwork(t), Protocol: "/a", Registerer: reg}).Listen(context.Background())
	require.NoError(t, err)
	defer a.Close()
	b, err := (&ListenConfig{Network: newFakeNetwork(t), Protocol: "/b", Registerer: reg}).Listen(context.Background())
	require.NoError(t, err)
	defer b.Close()

	assert.Same(t, a.metrics.accepted, b.metrics.accepted)
	assert.Same(t, a.metrics.active, b.metrics.active)
}

func TestListenerCloseAndAddr(t *testing.T) {
	n := newFakeNetwork(t)
	ctx, cancel := context.WithCancel(context.Background())
	l, err := (&ListenConfig{Network: n, Protocol: "svc"}).Listen(ctx)
	require.NoError(t, err)

	addr := l.Addr().(Addr)
	assert.Equal(t, "libp2p", addr.Network())
	assert.Equal(t, n.local, addr.Peer)
	assert.Equal(t, protocol.ID("/svc"), addr.Protocol)
	assert.Contains(t, addr.String(), n.local.String())

	cancel()
	assert.Eventually(t, func() bool { return n.handler("/svc") == nil }, time.Second, 5*time.Millisecond)
	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
	require.NoError(t, l.Close())
}

func TestListenConfigErrors(t *testing.T) {
	_, err := (&ListenConfig{Protocol: "/x"}).Listen(context.Background())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = (&ListenConfig{Network: newFakeNetwork(t)}).Listen(context.Background())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = (&ListenConfig{Network: newFakeNetwork(t), Protocol: "/x", MaxConnections: -1}).Listen(context.Background())
	assert.ErrorIs(t, err, ErrConfig)
}

func tcpEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	serveEcho(t, ln)
	return ln
}

func TestForwardRoundTrip(t *testing.T) {
	n := newFakeNetwork(t)
	l, err := (&ListenConfig{Network: n, Protocol: ForwardProtocol}).Listen(context.Background())
	require.NoError(t, err)
	defer l.Close()
	echo := tcpEcho(t)

	srv := &ForwardServer{Allow: func(network, address string) error {
		if address != echo.Addr().String() {
			return errors.New("not allowed")
		}
		return nil
	}}
	go srv.Serve(l)

	f := &Forwarder{Dialer: &Dialer{Network: n}, Route: testRoute(t, "")}
	c, err := f.DialContext(context.Background(), "tcp", echo.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "through the exit", roundTrip(t, c, "through the exit"))

	_, err = f.DialContext(context.Background(), "tcp", "10.255.255.1:9")
	assert.ErrorIs(t, err, ErrForwardRejected)

	_, err = f.DialContext(context.Background(), "udp", echo.Addr().String())
	assert.Error(t, err)
}
