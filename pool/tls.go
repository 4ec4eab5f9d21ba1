package pool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// TLSConnectorConfig configures NewTLSConnector.
type TLSConnectorConfig struct {
	// Dial creates the underlying transport. If nil, net.Dialer{}.DialContext is used.
	Dial DialFunc

	// TLSConfig is the base client configuration, cloned per connection.
	TLSConfig *tls.Config

	// Sessions caches session state per destination key. If nil, a cache
	// of DefaultMaxCachedSessions entries is created.
	Sessions *SessionCache

	// Logger receives handshake failures. If nil, logging is disabled.
	Logger *zap.Logger
}

// TLSConnector creates TLS client sockets and resumes sessions per
// destination key.
type TLSConnector struct {
	dial     DialFunc
	base     *tls.Config
	sessions *SessionCache
	log      *zap.Logger
}

var _ Connector = (*TLSConnector)(nil)

// NewTLSConnector returns a Connector for encrypted destinations.
func NewTLSConnector(cfg TLSConnectorConfig) *TLSConnector {
	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewSessionCache(DefaultMaxCachedSessions)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TLSConnector{dial: dial, base: cfg.TLSConfig, sessions: sessions, log: log}
}

// Sessions returns the session cache.
func (c *TLSConnector) Sessions() *SessionCache { return c.sessions }

// Key implements Connector with the TLS key.
func (c *TLSConnector) Key(o *Options) string { return TLSKey(o) }

// Connect implements Connector. A failed handshake evicts the cached session.
func (c *TLSConnector) Connect(ctx context.Context, key string, o *Options) (net.Conn, error) {
	cfg, err := c.configFor(key, o)
	if err != nil {
		return nil, err
	}
	network, address := o.address()
	raw, err := c.dial(ctx, network, address)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		c.sessions.Evict(key)
		c.log.Debug("tls handshake failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &sessionConn{Conn: tc, key: key, sessions: c.sessions}, nil
}

func (c *TLSConnector) configFor(key string, o *Options) (*tls.Config, error) {
	var cfg *tls.Config
	if c.base != nil {
		cfg = c.base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	} else if cfg.ServerName == "" {
		cfg.ServerName = o.Host
	}
	cfg.ClientSessionCache = c.sessions.For(key)

	t := o.TLS
	if t == nil {
		return cfg, nil
	}
	if t.CA != "" {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM([]byte(t.CA)) {
			return nil, errors.New("pool: no certificates found in CA")
		}
		cfg.RootCAs = roots
	}
	if t.Cert != "" || t.Key != "" {
		pair, err := tls.X509KeyPair([]byte(t.Cert), []byte(t.Key))
		if err != nil {
			return nil, fmt.Errorf("pool: client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	if t.RejectUnauthorized != nil && !*t.RejectUnauthorized {
		cfg.InsecureSkipVerify = true
	}
	if t.MinVersion != "" {
		v, err := parseTLSVersion(t.MinVersion)
		if err != nil {
			return nil, err
		}
		cfg.MinVersion = v
	}
	if t.MaxVersion != "" {
		v, err := parseTLSVersion(t.MaxVersion)
		if err != nil {
			return nil, err
		}
		cfg.MaxVersion = v
	}
	if t.Ciphers != "" {
		suites, err := parseCipherSuites(t.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	if t.ECDHCurve != "" {
		curves, err := parseCurves(t.ECDHCurve)
		if err != nil {
			return nil, err
		}
		cfg.CurvePreferences = curves
	}
	return cfg, nil
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "TLSv1":
		return tls.VersionTLS10, nil
	case "TLSv1.1":
		return tls.VersionTLS11, nil
	case "TLSv1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("pool: unknown TLS version %q", v)
}

func parseCipherSuites(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	var out []uint16
	for _, name := range strings.Split(list, ":") {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("pool: unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

func parseCurves(list string) ([]tls.CurveID, error) {
	var out []tls.CurveID
	for _, name := range strings.Split(list, ":") {
		switch name {
		case "X25519":
			out = append(out, tls.X25519)
		case "P-256", "prime256v1":
			out = append(out, tls.CurveP256)
		case "P-384", "secp384r1":
			out = append(out, tls.CurveP384)
		case "P-521", "secp521r1":
			out = append(out, tls.CurveP521)
		default:
			return nil, fmt.Errorf("pool: unknown curve %q", name)
		}
	}
	return out, nil
}

// sessionConn evicts its destination's session when closed after an I/O error.
type sessionConn struct {
	*tls.Conn
	key      string
	sessions *SessionCache
	failed   atomic.Bool
}

func (c *sessionConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		c.failed.Store(true)
	}
	return n, err
}

func (c *sessionConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.failed.Store(true)
	}
	return n, err
}

func (c *sessionConn) Close() error {
	if c.failed.Load() {
		c.sessions.Evict(c.key)
	}
	return c.Conn.Close()
}
