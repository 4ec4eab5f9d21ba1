// Package main implements the exit peer for p2p-gateway.
//
// It accepts forward streams over libp2p and dials the requested TCP
// targets, either directly or through a Tailscale network when -tailscale
// is set. With -reserve it holds circuit relay reservations so that
// gateways can reach it through a relay. With -kube-secret the peer
// identity and Tailscale state live in a Kubernetes Secret.
//
// Example:
//
//	p2p-exit -identity ~/.config/p2p-exit/key -allow '*.internal,10.0.0.0/8'
//	p2p-exit -kube-secret netagent/exit -tailscale -hostname exit-1 \
//	  -reserve /dns4/relay.example.com/tcp/4001/p2p/12D3KooW...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/tsnet"

	"lds.li/netagent/internal/logging"
	"lds.li/netagent/overlay"
)

var (
	identityPath = flag.String("identity", "p2p-exit.key", "File holding the peer's private key, created if missing")
	proto        = flag.String("protocol", string(overlay.ForwardProtocol), "Forward protocol to serve")
	maxConns     = flag.Int("max-connections", 0, "Maximum concurrent forwarded connections (0 = unlimited)")
	allow        = flag.String("allow", "", "Comma-separated allowed targets: CIDRs, hosts, or *.domain, optionally with :port")
	relay        = flag.Bool("relay", false, "Offer circuit relay service to other peers")
	dialTimeout  = flag.Duration("dial-timeout", 30*time.Second, "Timeout for upstream dials")
	metricsAddr  = flag.String("metrics", "", "Serve Prometheus metrics on this address")

	tailscale  = flag.Bool("tailscale", false, "Dial targets through Tailscale")
	tsHostname = flag.String("hostname", "", "Tailscale hostname (default: generates one)")
	tsAuthKey  = flag.String("authkey", "", "Tailscale auth key (optional, uses existing auth if not provided)")
	tsStateDir = flag.String("statedir", "", "Directory to store Tailscale state")

	kubeSecret = flag.String("kube-secret", "", "Keep the identity and Tailscale state in this Kubernetes Secret, namespace/name format")
	kubeconfig = flag.String("kubeconfig", "", "Path to kubeconfig file (optional, uses in-cluster config if not provided)")

	verbose = flag.Bool("verbose", false, "Enable verbose logging")
)

type listFlag []string

func (f *listFlag) String() string { return strings.Join(*f, ", ") }

func (f *listFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

var (
	listenAddrs  listFlag
	reserveAddrs listFlag
)

func init() {
	flag.Var(&listenAddrs, "listen", "libp2p listen multiaddr (can be repeated, default: /ip4/0.0.0.0/tcp/4001 and /ip4/0.0.0.0/udp/4001/quic-v1)")
	flag.Var(&reserveAddrs, "reserve", "Relay multiaddr with /p2p/<id> to hold a circuit reservation on (can be repeated)")
}

func main() {
	flag.Parse()

	log, err := logging.New(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("exit failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	allowed, err := parseAllowList(*allow)
	if err != nil {
		return err
	}
	relays, err := parseRelays(reserveAddrs)
	if err != nil {
		return err
	}

	var store *secretStore
	if *kubeSecret != "" {
		store, err = newSecretStore(*kubeSecret, *kubeconfig, *tsHostname)
		if err != nil {
			return fmt.Errorf("creating state store: %w", err)
		}
	}

	var priv crypto.PrivKey
	if store != nil {
		priv, err = loadStoredIdentity(store)
	} else {
		priv, err = loadIdentity(*identityPath)
	}
	if err != nil {
		return err
	}
	h, err := newHost(priv)
	if err != nil {
		return err
	}
	defer h.Close()
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err != nil {
		return err
	}
	for _, a := range addrs {
		log.Info("listening", zap.Stringer("addr", a))
	}
	for _, ri := range relays {
		r := &overlay.Reserver{Host: h, Relay: ri, Logger: log.Named("reserve")}
		go func() { _ = r.Run(ctx) }()
	}

	fs := &overlay.ForwardServer{
		Allow:       allowed.Check,
		DialTimeout: *dialTimeout,
		Logger:      log.Named("forward"),
	}
	if *tailscale {
		ts := &tsnet.Server{
			Hostname: *tsHostname,
			AuthKey:  *tsAuthKey,
			Dir:      *tsStateDir,
			Logf:     logging.Printf(log.Named("tsnet")),
		}
		if store != nil {
			ts.Store = store
		}
		defer ts.Close()
		status, err := ts.Up(ctx)
		if err != nil {
			return fmt.Errorf("starting tailscale: %w", err)
		}
		log.Info("tailscale up", zap.String("node", status.Self.DNSName))
		fs.Dial = ts.Dial
	}

	reg := prometheus.DefaultRegisterer
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer ms.Close()
	}

	lc := &overlay.ListenConfig{
		Network:        overlay.NewHostNetwork(h),
		Protocol:       protocol.ID(*proto),
		MaxConnections: *maxConns,
		Logger:         log.Named("listener"),
		Registerer:     reg,
	}
	l, err := lc.Listen(ctx)
	if err != nil {
		return err
	}
	log.Info("serving", zap.Stringer("peer", h.ID()), zap.Stringer("protocol", l.Addr()))

	err = fs.Serve(l)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// parseRelays reads -reserve values. Each must name the relay peer.
func parseRelays(values []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, v := range values {
		ai, err := peer.AddrInfoFromString(v)
		if err != nil {
			return nil, fmt.Errorf("-reserve %q: %w", v, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

func newHost(priv crypto.PrivKey) (host.Host, error) {
	addrs := []string(listenAddrs)
	if len(addrs) == 0 {
		addrs = []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"}
	}
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(addrs...),
	}
	if *relay {
		opts = append(opts, libp2p.EnableRelayService())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}
	return h, nil
}
