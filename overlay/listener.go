package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"lds.li/netagent/duplex"
	imetrics "lds.li/netagent/internal/metrics"
)

// ListenConfig configures a protocol listener.
type ListenConfig struct {
	Network  Network
	Protocol protocol.ID
	// MaxConnections bounds the live inbound sockets. Streams arriving
	// beyond it are closed. Zero means unlimited.
	MaxConnections int
	Logger         *zap.Logger
	// Socket is the template for accepted sockets.
	Socket duplex.Options
	// Registerer receives the listener metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Listener accepts inbound protocol streams as duplex sockets. It
// implements net.Listener.
type Listener struct {
	network Network
	proto   protocol.ID
	max     int
	log     *zap.Logger
	opts    duplex.Options
	metrics *listenerMetrics

	incoming  chan *duplex.Socket
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	active int
}

var _ net.Listener = (*Listener)(nil)

// Listen registers the protocol handler and returns the listener.
// Cancelling ctx closes it.
func (lc *ListenConfig) Listen(ctx context.Context) (*Listener, error) {
	if lc.Network == nil {
		return nil, &ConfigError{Field: "network", Reason: "is required"}
	}
	if lc.Protocol == "" {
		return nil, &ConfigError{Field: "protocol", Reason: "is required"}
	}
	if lc.MaxConnections < 0 {
		return nil, &ConfigError{Field: "max connections", Reason: "must not be negative"}
	}
	log := lc.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m, err := newListenerMetrics(lc.Registerer)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	l := &Listener{
		network:  lc.Network,
		proto:    normalizeProtocol(lc.Protocol),
		max:      lc.MaxConnections,
		log:      log,
		opts:     lc.Socket,
		metrics:  m,
		incoming: make(chan *duplex.Socket),
		done:     make(chan struct{}),
	}
	l.network.Handle(l.proto, l.handle)
	log.Info("overlay listening", zap.Stringer("addr", l.Addr()))

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = l.Close()
			case <-l.done:
			}
		}()
	}
	return l, nil
}

func (l *Listener) handle(in Inbound) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = in.Stream.Reset()
		return
	}
	if l.max > 0 && l.active >= l.max {
		l.mu.Unlock()
		l.log.Info("overlay listener full, rejecting stream",
			zap.Stringer("peer", in.RemotePeer), zap.Int("max", l.max))
		l.metrics.rejected.Inc()
		_ = in.Stream.Close()
		return
	}
	l.active++
	l.mu.Unlock()
	l.metrics.active.Inc()

	opts := l.opts
	opts.LocalAddr = l.Addr()
	opts.RemoteAddr = Addr{Peer: in.RemotePeer, Protocol: l.proto, Multiaddr: in.RemoteAddr}
	if opts.Logger == nil {
		opts.Logger = l.log
	}
	sock := duplex.NewBound(duplex.FromReadWriteCloser(in.Stream), opts)
	sock.OnClose(func(error) {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
		l.metrics.active.Dec()
	})

	select {
	case l.incoming <- sock:
		l.metrics.accepted.Inc()
	case <-l.done:
		sock.Destroy(net.ErrClosed)
	}
}

// Accept waits for the next inbound socket. The returned net.Conn is a
// *duplex.Socket.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case sock := <-l.incoming:
		return sock, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close removes the protocol handler and unblocks Accept. Sockets already
// accepted stay open.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.network.Unhandle(l.proto)
		close(l.done)
		l.log.Info("overlay listener closed", zap.String("protocol", string(l.proto)))
	})
	return nil
}

// Addr reports the local peer and protocol.
func (l *Listener) Addr() net.Addr {
	return Addr{Peer: l.network.LocalPeer(), Protocol: l.proto}
}

// Connections returns the number of live inbound sockets.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

type listenerMetrics struct {
	accepted prometheus.Counter
	rejected prometheus.Counter
	active   prometheus.Gauge
}

// newListenerMetrics shares its collectors between listeners built on the
// same Registerer.
func newListenerMetrics(reg prometheus.Registerer) (*listenerMetrics, error) {
	accepted, err := imetrics.Shared(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netagent_overlay_accepted_total",
		Help: "Inbound overlay streams accepted",
	}))
	if err != nil {
		return nil, err
	}
	rejected, err := imetrics.Shared(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netagent_overlay_rejected_total",
		Help: "Inbound overlay streams rejected at the connection limit",
	}))
	if err != nil {
		return nil, err
	}
	active, err := imetrics.Shared(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netagent_overlay_active_connections",
		Help: "Live inbound overlay sockets",
	}))
	if err != nil {
		return nil, err
	}
	return &listenerMetrics{accepted: accepted, rejected: rejected, active: active}, nil
}
