// Package main implements a local HTTP proxy whose upstream connections
// leave through a peer-to-peer exit node or a remote CONNECT proxy.
//
// CONNECT requests are tunneled. Absolute-form HTTP requests are forwarded
// over pooled keep-alive sockets. Static port forwards carry plain TCP.
//
// Example:
//
//	p2p-gateway -exit /ip4/203.0.113.7/tcp/4001/p2p/12D3KooW... -listen localhost:8080
//
//	# Then use with any tool:
//	curl -x http://localhost:8080 https://example.com
//	ssh -o ProxyCommand='nc -X connect -x localhost:8080 %h %p' user@server
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"lds.li/netagent/connecttunnel"
	"lds.li/netagent/duplex"
	"lds.li/netagent/internal/logging"
	"lds.li/netagent/pool"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	listen      = flag.String("listen", "", "Local proxy listen address (default: localhost:8080)")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")

	exitAddr   = flag.String("exit", "", "Multiaddr of the exit peer, including /p2p/<id>")
	exitProto  = flag.String("protocol", "", "Forward protocol spoken by the exit (default: /netagent/forward/1.0.0)")
	proxyURL   = flag.String("proxy", "", "Upstream CONNECT proxy URL, instead of an exit peer")
	proxyType  = flag.String("type", "", "Proxy type: h1, h2, or h2c (default: auto-detect from URL)")
	proxyAuth  = flag.String("auth", "", "Proxy authentication header value (e.g., 'Bearer token')")
	insecure   = flag.Bool("insecure", false, "Skip TLS verification of the upstream proxy")
	maxSockets = flag.Int("max-sockets", 0, "Pooled sockets per destination (default from config: 16)")

	oidcIssuer       = flag.String("oidc-issuer", "", "OIDC issuer URL for automatic token acquisition")
	oidcClientID     = flag.String("oidc-client-id", "", "OIDC client ID (required if -oidc-issuer is set)")
	oidcClientSecret = flag.String("oidc-client-secret", "", "OIDC client secret")
	oidcScopes       = flag.String("oidc-scopes", "", "OIDC scopes (comma-separated, default: openid)")

	verbose = flag.Bool("verbose", false, "Enable verbose logging")
)

// listFlag accepts a flag multiple times.
type listFlag []string

func (f *listFlag) String() string { return strings.Join(*f, ", ") }

func (f *listFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

var (
	hops     listFlag
	forwards listFlag
)

func init() {
	flag.Var(&hops, "hop", "Relay peer ID to extend through after the exit address, in order (can be repeated)")
	flag.Var(&forwards, "forward", "Port forward in format [name=]listen:port=remote:port (can be repeated)")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a local HTTP proxy that reaches the network through a p2p exit peer or a CONNECT proxy.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -exit /ip4/203.0.113.7/tcp/4001/p2p/12D3KooW...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -proxy https://proxy.example.com:443 -forward localhost:5432=db.internal:5432\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	log, err := logging.New(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(&cfg, log); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cfg *config) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "metrics":
			cfg.Metrics = *metricsAddr
		case "exit":
			cfg.Overlay.Exit = *exitAddr
		case "protocol":
			cfg.Overlay.Protocol = *exitProto
		case "hop":
			cfg.Overlay.Hops = hops
		case "proxy":
			cfg.Proxy.URL = *proxyURL
		case "type":
			cfg.Proxy.Type = *proxyType
		case "auth":
			cfg.Proxy.Auth = *proxyAuth
		case "insecure":
			cfg.Proxy.Insecure = *insecure
		case "max-sockets":
			cfg.Pool.MaxSockets = *maxSockets
		case "oidc-issuer":
			cfg.OIDC.Issuer = *oidcIssuer
		case "oidc-client-id":
			cfg.OIDC.ClientID = *oidcClientID
		case "oidc-client-secret":
			cfg.OIDC.ClientSecret = *oidcClientSecret
		case "oidc-scopes":
			cfg.OIDC.Scopes = *oidcScopes
		case "forward":
			cfg.Forwards = nil
			for _, s := range forwards {
				fc, ferr := parseForward(s)
				if ferr != nil {
					err = ferr
					return
				}
				cfg.Forwards = append(cfg.Forwards, fc)
			}
		}
	})
	return err
}

func run(cfg *config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	up, err := newUpstream(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer up.Close()

	reg := prometheus.DefaultRegisterer
	transport, closeAgents, err := newTransport(cfg, up.dial, log, reg)
	if err != nil {
		return err
	}
	defer closeAgents()

	handler := &gatewayHandler{
		connect: connecttunnel.NewHandler(&connecttunnel.ServerConfig{
			Dial:       connecttunnel.DialFunc(up.dial),
			Logger:     log.Named("tunnel"),
			Registerer: reg,
		}),
		transport: transport,
		log:       log,
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 30 * time.Second,
	}

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer ms.Close()
		log.Info("metrics listening", zap.String("addr", cfg.Metrics))
	}

	for _, f := range cfg.Forwards {
		ln, err := net.Listen("tcp", f.Listen)
		if err != nil {
			return fmt.Errorf("forward %s: %w", f.Name, err)
		}
		defer ln.Close()
		log.Info("forwarding", zap.String("name", f.Name), zap.String("listen", f.Listen), zap.String("remote", f.Remote))
		go acceptLoop(ctx, ln, f, up.dial, log.With(zap.String("forward", f.Name)))
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	log.Info("gateway listening", zap.String("addr", cfg.Listen), zap.String("upstream", up.describe))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// newTransport builds the pooled transport for forwarded HTTP requests.
// Both agents dial through the upstream; the https agent adds TLS on top.
func newTransport(cfg *config, dial pool.DialFunc, log *zap.Logger, reg prometheus.Registerer) (*pool.Transport, func(), error) {
	httpCfg := cfg.Pool
	httpCfg.Connector = pool.NewDialConnector(dial)
	httpCfg.Logger = log.Named("pool.http")
	httpCfg.Registerer = prometheus.WrapRegistererWith(prometheus.Labels{"scheme": "http"}, reg)
	httpAgent, err := pool.New(httpCfg)
	if err != nil {
		return nil, nil, err
	}

	httpsCfg := cfg.Pool
	httpsCfg.Connector = pool.NewTLSConnector(pool.TLSConnectorConfig{
		Dial:   dial,
		Logger: log.Named("tls"),
	})
	httpsCfg.Logger = log.Named("pool.https")
	httpsCfg.Registerer = prometheus.WrapRegistererWith(prometheus.Labels{"scheme": "https"}, reg)
	httpsAgent, err := pool.New(httpsCfg)
	if err != nil {
		httpAgent.Close()
		return nil, nil, err
	}

	closeAll := func() {
		_ = httpAgent.Close()
		_ = httpsAgent.Close()
	}
	return &pool.Transport{HTTP: httpAgent, HTTPS: httpsAgent, TLS: cfg.TLS}, closeAll, nil
}

// acceptLoop accepts connections and forwards them to the remote.
func acceptLoop(ctx context.Context, ln net.Listener, f forwardConfig, dial pool.DialFunc, log *zap.Logger) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Warn("accept", zap.Error(err))
			}
			return
		}
		go func() {
			dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			upstream, err := dial(dctx, "tcp", f.Remote)
			cancel()
			if err != nil {
				log.Warn("dial failed", zap.Error(err))
				c.Close()
				return
			}
			log.Debug("connection opened", zap.Stringer("client", c.RemoteAddr()))
			if err := duplex.Join(c, upstream); err != nil {
				log.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}
