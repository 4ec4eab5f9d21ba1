package pool

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
)

// Options are the connection-relevant parameters of a request. Two requests
// with equal Options share sockets.
type Options struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	LocalAddress string `yaml:"local_address"`
	// Family restricts resolution to IPv4 (4) or IPv6 (6). Zero means either.
	Family     int    `yaml:"family"`
	SocketPath string `yaml:"socket_path"`
	// ServerName overrides the TLS server name. Empty means Host.
	ServerName string `yaml:"server_name"`

	// TLS, when non-nil, marks the destination as encrypted.
	TLS *TLSOptions `yaml:"tls"`
}

// TLSOptions carries the settings that distinguish one encrypted
// destination from another. Material is PEM encoded.
type TLSOptions struct {
	CA                   string   `yaml:"ca"`
	Cert                 string   `yaml:"cert"`
	ClientCertEngine     string   `yaml:"client_cert_engine"`
	Ciphers              string   `yaml:"ciphers"`
	Key                  string   `yaml:"key"`
	PFX                  string   `yaml:"pfx"`
	RejectUnauthorized   *bool    `yaml:"reject_unauthorized"`
	MinVersion           string   `yaml:"min_version"`
	MaxVersion           string   `yaml:"max_version"`
	SecureProtocol       string   `yaml:"secure_protocol"`
	CRL                  string   `yaml:"crl"`
	HonorCipherOrder     *bool    `yaml:"honor_cipher_order"`
	ECDHCurve            string   `yaml:"ecdh_curve"`
	DHParam              string   `yaml:"dhparam"`
	SecureOptions        *int64   `yaml:"secure_options"`
	SessionIDContext     string   `yaml:"session_id_context"`
	SigAlgs              []string `yaml:"sigalgs"`
	PrivateKeyIdentifier string   `yaml:"private_key_identifier"`
	PrivateKeyEngine     string   `yaml:"private_key_engine"`
}

// Key returns the destination key for plain connections:
// host:port:localAddress[:family][:socketPath]. The family segment is
// written, possibly empty, whenever socketPath is.
func Key(o *Options) string {
	var b strings.Builder
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(o.Port)
	b.WriteByte(':')
	b.WriteString(o.LocalAddress)
	family := o.Family == 4 || o.Family == 6
	// A socket path always follows a family segment, empty when unset, so
	// a path of "4" cannot alias family 4.
	if family || o.SocketPath != "" {
		b.WriteByte(':')
		if family {
			b.WriteString(strconv.Itoa(o.Family))
		}
	}
	if o.SocketPath != "" {
		b.WriteByte(':')
		b.WriteString(o.SocketPath)
	}
	return b.String()
}

// TLSKey extends Key with every TLS setting that affects the connection.
// Each field contributes a ':'-prefixed segment, empty when unset.
func TLSKey(o *Options) string {
	var b strings.Builder
	b.WriteString(Key(o))

	t := o.TLS
	if t == nil {
		t = &TLSOptions{}
	}
	seg := func(v string) {
		b.WriteByte(':')
		b.WriteString(v)
	}
	optBool := func(v *bool) {
		b.WriteByte(':')
		if v != nil {
			b.WriteString(strconv.FormatBool(*v))
		}
	}

	seg(t.CA)
	seg(t.Cert)
	seg(t.ClientCertEngine)
	seg(t.Ciphers)
	seg(t.Key)
	seg(t.PFX)
	optBool(t.RejectUnauthorized)
	if o.ServerName != "" && o.ServerName != o.Host {
		seg(o.ServerName)
	} else {
		seg("")
	}
	seg(t.MinVersion)
	seg(t.MaxVersion)
	seg(t.SecureProtocol)
	seg(t.CRL)
	optBool(t.HonorCipherOrder)
	seg(t.ECDHCurve)
	seg(t.DHParam)
	if t.SecureOptions != nil {
		seg(strconv.FormatInt(*t.SecureOptions, 10))
	} else {
		seg("")
	}
	seg(t.SessionIDContext)
	if len(t.SigAlgs) > 0 {
		j, _ := json.Marshal(t.SigAlgs)
		seg(string(j))
	} else {
		seg("")
	}
	seg(t.PrivateKeyIdentifier)
	seg(t.PrivateKeyEngine)
	return b.String()
}

// ServerNameFromHost derives a TLS server name from a Host header value.
// The port and IPv6 brackets are removed. IP literals yield "" since they
// are not valid SNI values.
func ServerNameFromHost(hostHeader string) string {
	name := hostHeader
	if strings.HasPrefix(name, "[") {
		if i := strings.IndexByte(name, ']'); i >= 0 {
			name = name[1:i]
		}
	} else if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if net.ParseIP(name) != nil {
		return ""
	}
	return name
}

// serverName resolves the TLS server name for o, falling back to the Host
// header of the request and finally to the host itself.
func serverName(o *Options, hostHeader string) string {
	if o.ServerName != "" {
		return o.ServerName
	}
	if hostHeader != "" {
		return ServerNameFromHost(hostHeader)
	}
	if net.ParseIP(o.Host) != nil {
		return ""
	}
	return o.Host
}

// address maps Options to a network and address suitable for net.Dial.
func (o *Options) address() (network, address string) {
	if o.SocketPath != "" {
		return "unix", o.SocketPath
	}
	network = "tcp"
	switch o.Family {
	case 4:
		network = "tcp4"
	case 6:
		network = "tcp6"
	}
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	return network, net.JoinHostPort(host, o.Port)
}
