package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxDrain bounds how much of an unread response body is discarded to keep
// its socket reusable.
const maxDrain = 256 << 10

const maxRetries = 2

var aLongTimeAgo = time.Unix(1, 0)

// Transport is an http.RoundTripper for HTTP/1.1 that takes its sockets
// from agents. The socket is released when the response body reaches EOF
// or is closed, and destroyed if the exchange left it unusable.
type Transport struct {
	// HTTP serves "http" URLs.
	HTTP *Agent

	// HTTPS serves "https" URLs. Its connector is expected to speak TLS,
	// see NewTLSConnector.
	HTTPS *Agent

	// TLS is applied to every https destination.
	TLS *TLSOptions
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper. Idempotent requests without a
// body are retried on a fresh socket when a reused socket fails before a
// response arrives.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	agent, opts, err := t.route(req.URL)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	preq := &Request{
		Options:         opts,
		Host:            host,
		ShouldKeepAlive: !req.Close,
	}

	for attempt := 0; ; attempt++ {
		conn, err := agent.Acquire(req.Context(), preq)
		if err != nil {
			closeBody(req)
			return nil, err
		}
		resp, err := t.exchange(req, preq, conn)
		if err == nil {
			return resp, nil
		}
		_ = conn.Close()
		if !conn.Reused() || attempt >= maxRetries || !retryable(req) {
			return nil, err
		}
	}
}

func (t *Transport) route(u *url.URL) (*Agent, Options, error) {
	port := u.Port()
	opts := Options{Host: u.Hostname()}
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
		opts.Port = port
		if t.HTTP == nil {
			return nil, opts, errors.New("pool: no agent for http")
		}
		return t.HTTP, opts, nil
	case "https":
		if port == "" {
			port = "443"
		}
		opts.Port = port
		tlsOpts := TLSOptions{}
		if t.TLS != nil {
			tlsOpts = *t.TLS
		}
		opts.TLS = &tlsOpts
		if t.HTTPS == nil {
			return nil, opts, errors.New("pool: no agent for https")
		}
		return t.HTTPS, opts, nil
	}
	return nil, opts, fmt.Errorf("pool: unsupported scheme %q", u.Scheme)
}

func (t *Transport) exchange(req *http.Request, preq *Request, conn *Conn) (*http.Response, error) {
	ctx := req.Context()
	var deadline time.Time
	if d := conn.Timeout(); d > 0 {
		deadline = time.Now().Add(d)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	if err := req.Write(conn); err != nil {
		stop()
		return nil, err
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		stop()
		return nil, err
	}
	if resp.Close {
		preq.ShouldKeepAlive = false
	}
	resp.Body = &clientBody{body: resp.Body, br: br, conn: conn, stop: stop}
	return resp, nil
}

func retryable(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// clientBody hands the socket back to the agent once the body is done.
type clientBody struct {
	body io.ReadCloser
	br   *bufio.Reader
	conn *Conn
	stop func() bool
	once sync.Once
}

func (b *clientBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if errors.Is(err, io.EOF) {
		b.finish(true)
	}
	return n, err
}

func (b *clientBody) Close() error {
	b.finish(false)
	return nil
}

func (b *clientBody) finish(eof bool) {
	b.once.Do(func() {
		if !eof {
			_, err := io.CopyN(io.Discard, b.body, maxDrain)
			eof = errors.Is(err, io.EOF)
		}
		_ = b.body.Close()
		cancelled := !b.stop()
		if !eof || cancelled || b.br.Buffered() > 0 {
			_ = b.conn.Close()
			return
		}
		_ = b.conn.SetDeadline(time.Time{})
		b.conn.Release()
	})
}
