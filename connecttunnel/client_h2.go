package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"

	"lds.li/netagent/duplex"
)

// h2Dialer opens one CONNECT stream per tunnel. All tunnels share the
// transport's HTTP/2 connection to the proxy.
type h2Dialer struct {
	cfg       *ClientConfig
	proxyURL  *url.URL
	transport *http2.Transport
}

// NewH2Dialer creates a Dialer that connects through an HTTP/2 proxy.
// The proxy URL must use "https" scheme (HTTP/2 over TLS).
// For HTTP/2 cleartext (h2c), use NewH2CDialer instead.
func NewH2Dialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL := mustParseProxyURL(cfg.ProxyURL, "https", "NewH2Dialer requires https URL, use NewH2CDialer for http")

	transport := &http2.Transport{TLSClientConfig: cfg.TLSConfig}
	if cfg.DialContext != nil {
		dial := cfg.DialContext
		transport.DialTLSContext = func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tc := tls.Client(conn, tlsCfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tc, nil
		}
	}
	return &h2Dialer{cfg: cfg, proxyURL: proxyURL, transport: transport}
}

// NewH2CDialer creates a Dialer that connects through an HTTP/2 cleartext (h2c) proxy.
// The proxy URL must use "http" scheme.
func NewH2CDialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL := mustParseProxyURL(cfg.ProxyURL, "http", "NewH2CDialer requires http URL, use NewH2Dialer for https")

	dial := cfg.getDialFunc()
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dial(ctx, network, addr)
		},
	}
	return &h2Dialer{cfg: cfg, proxyURL: proxyURL, transport: transport}
}

func mustParseProxyURL(raw, scheme, msg string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("connecttunnel: invalid proxy URL: %v", err))
	}
	if u.Scheme != scheme {
		panic("connecttunnel: " + msg)
	}
	return u
}

// DialContext opens a CONNECT stream to address. The returned connection
// is a *duplex.Socket reading the response body and writing the request
// body; CloseWrite ends the request body.
func (d *h2Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	pr, pw := io.Pipe()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    d.proxyURL,
		Host:   address,
		Header: make(http.Header),
		Body:   pr,
		// -1 marks a streaming body, required for CONNECT.
		ContentLength: -1,
	}
	extra, err := d.cfg.headers(req)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: headers: %v", ErrProxyConnect, err)
	}
	maps.Copy(req.Header, extra)

	// The stream outlives ctx, which only bounds the exchange of headers.
	stop := context.AfterFunc(ctx, func() { pw.CloseWithError(ctx.Err()) })
	resp, err := d.transport.RoundTrip(req.WithContext(context.WithoutCancel(ctx)))
	aborted := !stop()
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	if aborted {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, ctx.Err())
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		pw.Close()
		return nil, &ProxyError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	stream := duplex.Stream{
		Source: duplex.FromReader(resp.Body),
		Sink:   duplex.FromWriter(pw),
		Abort: func(err error) {
			if err == nil {
				err = io.ErrClosedPipe
			}
			pw.CloseWithError(err)
			resp.Body.Close()
		},
	}
	return duplex.NewBound(stream, duplex.Options{
		LocalAddr:  duplex.Addr{Net: "connecttunnel", Address: d.proxyURL.Host},
		RemoteAddr: duplex.Addr{Net: "connecttunnel", Address: address},
	}), nil
}
