package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lds.li/netagent/pool"
)

// config is the gateway configuration file. Flags given on the command line
// override the matching fields.
type config struct {
	Listen  string `yaml:"listen"`
	Metrics string `yaml:"metrics"`

	// Pool configures the upstream socket pools for forwarded HTTP requests.
	Pool pool.Config `yaml:"pool"`
	// TLS applies to pooled https destinations.
	TLS *pool.TLSOptions `yaml:"tls"`

	Overlay  overlayConfig   `yaml:"overlay"`
	Proxy    proxyConfig     `yaml:"proxy"`
	OIDC     oidcConfig      `yaml:"oidc"`
	Forwards []forwardConfig `yaml:"forwards"`
}

type overlayConfig struct {
	// Exit is the multiaddr of the exit peer, including /p2p/<id>.
	Exit     string   `yaml:"exit"`
	Hops     []string `yaml:"hops"`
	Protocol string   `yaml:"protocol"`
}

type proxyConfig struct {
	URL      string `yaml:"url"`
	Type     string `yaml:"type"`
	Auth     string `yaml:"auth"`
	Insecure bool   `yaml:"insecure"`
}

type oidcConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scopes       string `yaml:"scopes"`
}

type forwardConfig struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	Remote string `yaml:"remote"`
}

func defaultConfig() config {
	return config{
		Listen: "localhost:8080",
		Pool: pool.Config{
			KeepAlive:  true,
			MaxSockets: 16,
		},
		OIDC: oidcConfig{Scopes: "openid"},
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch {
	case c.Overlay.Exit == "" && c.Proxy.URL == "":
		return errors.New("one of -exit or -proxy is required")
	case c.Overlay.Exit != "" && c.Proxy.URL != "":
		return errors.New("cannot use both -exit and -proxy (choose one upstream)")
	case c.OIDC.Issuer != "" && c.OIDC.ClientID == "":
		return errors.New("-oidc-client-id is required when -oidc-issuer is set")
	case c.OIDC.Issuer != "" && c.Proxy.Auth != "":
		return errors.New("cannot use both -auth and -oidc-issuer (choose one)")
	case c.OIDC.Issuer != "" && c.Proxy.URL == "":
		return errors.New("-oidc-issuer only applies to a -proxy upstream")
	}
	switch c.Proxy.Type {
	case "", "h1", "h2", "h2c":
	default:
		return fmt.Errorf("unknown proxy type %q (want h1, h2 or h2c)", c.Proxy.Type)
	}
	for _, f := range c.Forwards {
		if f.Listen == "" || f.Remote == "" {
			return fmt.Errorf("forward %q needs both listen and remote", f.Name)
		}
	}
	return nil
}

// parseForward parses [name=]listen:port=remote:port.
func parseForward(s string) (forwardConfig, error) {
	parts := strings.Split(s, "=")
	switch len(parts) {
	case 2:
		return forwardConfig{Name: parts[1], Listen: parts[0], Remote: parts[1]}, nil
	case 3:
		return forwardConfig{Name: parts[0], Listen: parts[1], Remote: parts[2]}, nil
	}
	return forwardConfig{}, fmt.Errorf("invalid forward %q: want [name=]listen:port=remote:port", s)
}
