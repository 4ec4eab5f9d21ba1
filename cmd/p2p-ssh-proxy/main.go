// Package main implements an SSH ProxyCommand that reaches the target
// through a p2p exit peer.
//
//	ssh -o ProxyCommand="p2p-ssh-proxy -exit /ip4/203.0.113.7/tcp/4001/p2p/12D3KooW... %h %p" user@target
//
// Data is relayed between stdin/stdout and the forwarded connection. Logs
// go to stderr and only with -verbose.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	"go.uber.org/zap"

	"lds.li/netagent/internal/logging"
	"lds.li/netagent/overlay"
)

var (
	exitAddr   = flag.String("exit", "", "Multiaddr of the exit peer, including /p2p/<id> (required)")
	exitProto  = flag.String("protocol", "", "Forward protocol spoken by the exit (default: /netagent/forward/1.0.0)")
	hops       = flag.String("hops", "", "Comma-separated relay peer IDs to extend through after the exit address")
	timeout    = flag.Duration("timeout", 30*time.Second, "Connection timeout")
	bufferSize = flag.Int("buffer", 32*1024, "I/O buffer size in bytes")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (written to stderr)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <target-host> <target-port>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "SSH ProxyCommand over a p2p exit peer.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *exitAddr == "" || flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "Error: -exit and target host and port are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	log := zap.NewNop()
	if *verbose {
		l, err := logging.New(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
		log = l
	}

	target := net.JoinHostPort(flag.Arg(0), flag.Arg(1))
	if err := run(log, target); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(log *zap.Logger, target string) error {
	var hopList []string
	for _, h := range strings.Split(*hops, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hopList = append(hopList, h)
		}
	}
	route, err := overlay.ParseRoute(*exitAddr, *exitProto, hopList...)
	if err != nil {
		return err
	}

	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		return fmt.Errorf("starting libp2p host: %w", err)
	}
	defer h.Close()

	f := &overlay.Forwarder{
		Dialer: &overlay.Dialer{Network: overlay.NewHostNetwork(h), Logger: log.Named("overlay")},
		Route:  route,
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := f.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()
	log.Info("connected", zap.String("target", target), zap.Stringer("route", route))

	return pump(conn, os.Stdin, os.Stdout, *bufferSize)
}

// pump relays in and out over conn until the remote side finishes.
func pump(conn net.Conn, in io.Reader, out io.Writer, size int) error {
	errc := make(chan error, 1)
	go func() {
		_, err := io.CopyBuffer(conn, in, make([]byte, size))
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		if err != nil {
			errc <- err
		}
	}()
	go func() {
		_, err := io.CopyBuffer(out, conn, make([]byte, size))
		errc <- err
	}()
	err := <-errc
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
