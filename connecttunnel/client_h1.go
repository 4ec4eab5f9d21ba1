package connecttunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type h1Dialer struct {
	cfg       *ClientConfig
	proxyAddr string
	proxyHost string
	useTLS    bool
	dial      DialFunc
}

// NewH1Dialer creates a Dialer that connects through an HTTP/1.1 proxy.
// The proxy URL must use "http" or "https" scheme. It panics on an
// unparsable URL.
func NewH1Dialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		panic(fmt.Sprintf("connecttunnel: invalid proxy URL: %v", err))
	}

	useTLS := proxyURL.Scheme == "https"
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		port := "80"
		if useTLS {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), port)
	}

	return &h1Dialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		proxyHost: proxyURL.Hostname(),
		useTLS:    useTLS,
		dial:      cfg.getDialFunc(),
	}
}

func (d *h1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if d.useTLS {
		tlsConfig := d.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: d.proxyHost}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = d.proxyHost
		}
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrProxyConnect, err)
		}
		conn = tc
	}

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	extra, err := d.cfg.headers(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: headers: %v", ErrProxyConnect, err)
	}
	maps.Copy(req.Header, extra)

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write request: %v", ErrProxyConnect, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: read response: %v", ErrProxyConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		conn.Close()
		return nil, &ProxyError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	// The proxy may have sent tunnel bytes along with the status line.
	return &bufferedConn{Conn: conn, reader: br}, nil
}

// bufferedConn reads through the bufio.Reader used for the CONNECT
// response so nothing it buffered is lost.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NetConn returns the tunnel connection, for keepalive configuration.
func (c *bufferedConn) NetConn() net.Conn { return c.Conn }
