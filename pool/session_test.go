package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCacheBound(t *testing.T) {
	c := NewSessionCache(2)
	a, b, cc := &tls.ClientSessionState{}, &tls.ClientSessionState{}, &tls.ClientSessionState{}

	c.Put("a", a)
	c.Put("b", b)
	c.Put("a", cc)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, cc, got)

	// "a" keeps its original insertion position and is evicted first.
	c.Put("c", a)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	c.Evict("b")
	assert.Equal(t, 1, c.Len())
	c.Put("d", b)
	c.Put("e", b)
	_, ok = c.Get("c")
	assert.False(t, ok)
}

func TestSessionCacheDisabled(t *testing.T) {
	c := NewSessionCache(0)
	c.Put("a", &tls.ClientSessionState{})
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	c.Evict("a")
}

func TestKeyedSessionCache(t *testing.T) {
	c := NewSessionCache(4)
	k := c.For("dest")
	s := &tls.ClientSessionState{}
	k.Put("ignored", s)
	got, ok := c.Get("dest")
	require.True(t, ok)
	assert.Same(t, s, got)

	k.Put("ignored", nil)
	assert.Equal(t, 0, c.Len())
}

func tlsTestServer(t *testing.T) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	t.Cleanup(srv.Close)
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	return srv, roots
}

func TestTLSConnectorCachesSession(t *testing.T) {
	srv, roots := tlsTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	conn := NewTLSConnector(TLSConnectorConfig{TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"}})
	agent, err := New(Config{KeepAlive: true, Connector: conn})
	require.NoError(t, err)
	defer agent.Close()

	client := &http.Client{Transport: &Transport{HTTPS: agent}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "secure", string(body))

	key := TLSKey(&Options{Host: u.Hostname(), Port: u.Port(), TLS: &TLSOptions{}})
	_, ok := conn.Sessions().Get(key)
	assert.True(t, ok, "session stored under the destination key")
	assert.Equal(t, 1, agent.Stats().Destinations[key].Free)
}

func TestTLSConnectorEvictsOnHandshakeFailure(t *testing.T) {
	srv, roots := tlsTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	opts := &Options{Host: u.Hostname(), Port: u.Port(), TLS: &TLSOptions{}}
	key := TLSKey(opts)

	sessions := NewSessionCache(DefaultMaxCachedSessions)
	good := NewTLSConnector(TLSConnectorConfig{
		TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"},
		Sessions:  sessions,
	})
	c, err := good.Connect(context.Background(), key, opts)
	require.NoError(t, err)
	_, err = c.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, c.Close())
	require.Equal(t, 1, sessions.Len())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	bad := NewTLSConnector(TLSConnectorConfig{
		TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"},
		Sessions:  sessions,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", ln.Addr().String())
		},
	})
	_, err = bad.Connect(context.Background(), key, opts)
	require.Error(t, err)
	assert.Equal(t, 0, sessions.Len())
}

// getOver issues a plain GET over c and drains the response, which also
// delivers any TLS 1.3 session ticket.
func getOver(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
}

func TestTLSConnectorResumesSession(t *testing.T) {
	srv, roots := tlsTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	opts := &Options{Host: u.Hostname(), Port: u.Port(), TLS: &TLSOptions{}}
	key := TLSKey(opts)

	conn := NewTLSConnector(TLSConnectorConfig{TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"}})

	c1, err := conn.Connect(context.Background(), key, opts)
	require.NoError(t, err)
	assert.False(t, c1.(*sessionConn).ConnectionState().DidResume)
	getOver(t, c1)
	require.NoError(t, c1.Close())
	require.Equal(t, 1, conn.Sessions().Len())

	c2, err := conn.Connect(context.Background(), key, opts)
	require.NoError(t, err)
	defer c2.Close()
	assert.True(t, c2.(*sessionConn).ConnectionState().DidResume, "second handshake resumes the cached session")
}

func TestSessionConnEvictsAfterReadError(t *testing.T) {
	srv, roots := tlsTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	opts := &Options{Host: u.Hostname(), Port: u.Port(), TLS: &TLSOptions{}}
	key := TLSKey(opts)

	conn := NewTLSConnector(TLSConnectorConfig{TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"}})
	c, err := conn.Connect(context.Background(), key, opts)
	require.NoError(t, err)
	getOver(t, c)
	require.Equal(t, 1, conn.Sessions().Len())

	// The server keeps the connection open, so a past deadline is the
	// only way this read ends.
	require.NoError(t, c.SetReadDeadline(time.Unix(1, 0)))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	require.Equal(t, 1, conn.Sessions().Len(), "eviction waits for close")

	_ = c.Close()
	assert.Equal(t, 0, conn.Sessions().Len())
}

func TestSessionConnKeepsSessionOnCleanClose(t *testing.T) {
	srv, roots := tlsTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	opts := &Options{Host: u.Hostname(), Port: u.Port(), TLS: &TLSOptions{}}
	key := TLSKey(opts)

	conn := NewTLSConnector(TLSConnectorConfig{TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"}})
	c, err := conn.Connect(context.Background(), key, opts)
	require.NoError(t, err)
	getOver(t, c)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, conn.Sessions().Len())
}

func TestTLSOptionsApplied(t *testing.T) {
	f := false
	conn := NewTLSConnector(TLSConnectorConfig{})
	cfg, err := conn.configFor("k", &Options{
		Host: "example.com",
		TLS: &TLSOptions{
			RejectUnauthorized: &f,
			MinVersion:         "TLSv1.2",
			MaxVersion:         "TLSv1.3",
			ECDHCurve:          "X25519:P-256",
		},
	})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, []tls.CurveID{tls.X25519, tls.CurveP256}, cfg.CurvePreferences)
	assert.Equal(t, "example.com", cfg.ServerName)

	_, err = conn.configFor("k", &Options{TLS: &TLSOptions{MinVersion: "SSLv3"}})
	assert.Error(t, err)
	_, err = conn.configFor("k", &Options{TLS: &TLSOptions{CA: "not pem"}})
	assert.Error(t, err)
}
