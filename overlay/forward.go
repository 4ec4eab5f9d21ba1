package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"lds.li/netagent/duplex"
)

// ForwardProtocol carries TCP connections to an exit peer. The dialing side
// sends one line "<network> <address>\n"; the exit answers "OK\n" or
// "ERR <reason>\n" and then relays bytes both ways.
const ForwardProtocol protocol.ID = "/netagent/forward/1.0.0"

const maxForwardLine = 1024

// Forwarder dials addresses through an exit peer speaking ForwardProtocol.
type Forwarder struct {
	Dialer *Dialer
	// Route reaches the exit peer. An empty protocol means ForwardProtocol.
	Route Route
}

// DialContext opens a stream to the exit and asks it to connect to address.
func (f *Forwarder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("overlay: forward network %q not supported", network)
	}
	route := f.Route
	if route.Protocol == "" {
		route.Protocol = ForwardProtocol
	}
	sock, err := f.Dialer.Dial(ctx, route)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(sock, network+" "+address+"\n"); err != nil {
		sock.Destroy(err)
		return nil, err
	}

	type result struct {
		line string
		err  error
	}
	rc := make(chan result, 1)
	go func() {
		line, err := readLine(sock)
		rc <- result{line, err}
	}()
	var res result
	select {
	case res = <-rc:
	case <-ctx.Done():
		sock.Destroy(ctx.Err())
		return nil, ctx.Err()
	}
	if res.err != nil {
		sock.Destroy(res.err)
		return nil, fmt.Errorf("overlay: forward %s: %w", address, res.err)
	}
	if res.line != "OK" {
		sock.Destroy(nil)
		return nil, fmt.Errorf("%w: %s", ErrForwardRejected, strings.TrimPrefix(res.line, "ERR "))
	}
	return sock, nil
}

// ForwardServer accepts ForwardProtocol sockets and relays them to the
// requested upstream address.
type ForwardServer struct {
	// Dial connects upstream. Nil uses a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// Allow may refuse a target by returning an error.
	Allow func(network, address string) error
	// DialTimeout bounds each upstream dial. Zero means 30s.
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Serve accepts from l until it is closed.
func (s *ForwardServer) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(c)
	}
}

func (s *ForwardServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *ForwardServer) handle(c net.Conn) {
	log := s.logger().With(zap.Stringer("peer", c.RemoteAddr()))

	line, err := readLine(c)
	if err != nil {
		log.Debug("reading forward request", zap.Error(err))
		_ = c.Close()
		return
	}
	network, address, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(network, "tcp") || address == "" {
		s.reject(c, log, "malformed request")
		return
	}
	log = log.With(zap.String("target", address))
	if s.Allow != nil {
		if err := s.Allow(network, address); err != nil {
			log.Info("forward refused", zap.Error(err))
			s.reject(c, log, "refused")
			return
		}
	}

	timeout := s.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	dial := s.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	up, err := dial(ctx, network, address)
	cancel()
	if err != nil {
		log.Info("forward dial failed", zap.Error(err))
		s.reject(c, log, "dial failed")
		return
	}
	if _, err := io.WriteString(c, "OK\n"); err != nil {
		_ = up.Close()
		_ = c.Close()
		return
	}
	log.Debug("forwarding")
	if err := duplex.Join(c, up); err != nil {
		log.Debug("forward ended", zap.Error(err))
	}
}

func (s *ForwardServer) reject(c net.Conn, log *zap.Logger, reason string) {
	if _, err := io.WriteString(c, "ERR "+reason+"\n"); err != nil {
		log.Debug("writing forward rejection", zap.Error(err))
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.Close()
}

// readLine reads one "\n" terminated line a byte at a time so nothing past
// it is consumed.
func readLine(r io.Reader) (string, error) {
	var b strings.Builder
	var one [1]byte
	for b.Len() < maxForwardLine {
		n, err := r.Read(one[:])
		if n == 1 {
			if one[0] == '\n' {
				return strings.TrimSuffix(b.String(), "\r"), nil
			}
			b.WriteByte(one[0])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
	return "", errors.New("overlay: forward line too long")
}
