package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:3128
pool:
  max_sockets: 4
  timeout: 30s
overlay:
  exit: /ip4/203.0.113.7/tcp/4001/p2p/12D3KooWExample
  hops: [12D3KooWRelay]
forwards:
  - name: db
    listen: localhost:5432
    remote: db.internal:5432
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3128", cfg.Listen)
	assert.Equal(t, 4, cfg.Pool.MaxSockets)
	assert.Equal(t, 30*time.Second, cfg.Pool.Timeout)
	assert.True(t, cfg.Pool.KeepAlive, "defaults survive a partial file")
	assert.Equal(t, []string{"12D3KooWRelay"}, cfg.Overlay.Hops)
	assert.Equal(t, "openid", cfg.OIDC.Scopes)
	require.Len(t, cfg.Forwards, 1)
	assert.Equal(t, "db.internal:5432", cfg.Forwards[0].Remote)
	require.NoError(t, cfg.validate())
}

func TestLoadConfigEmptyAndMissing(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	cfg, err = loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigUnknownField(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "listen: :8080\nlisten_addr: :9090\n"))
	assert.ErrorContains(t, err, "listen_addr")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*config)
		err  string
	}{
		{"no upstream", func(c *config) {}, "one of -exit or -proxy"},
		{"both upstreams", func(c *config) {
			c.Overlay.Exit = "/ip4/1.2.3.4/tcp/1/p2p/x"
			c.Proxy.URL = "https://proxy"
		}, "cannot use both"},
		{"oidc without client", func(c *config) {
			c.Proxy.URL = "https://proxy"
			c.OIDC.Issuer = "https://issuer"
		}, "-oidc-client-id"},
		{"oidc with auth", func(c *config) {
			c.Proxy.URL = "https://proxy"
			c.Proxy.Auth = "Bearer x"
			c.OIDC.Issuer = "https://issuer"
			c.OIDC.ClientID = "cli"
		}, "-auth and -oidc-issuer"},
		{"oidc with exit", func(c *config) {
			c.Overlay.Exit = "/ip4/1.2.3.4/tcp/1/p2p/x"
			c.OIDC.Issuer = "https://issuer"
			c.OIDC.ClientID = "cli"
		}, "only applies"},
		{"bad proxy type", func(c *config) {
			c.Proxy.URL = "https://proxy"
			c.Proxy.Type = "h3"
		}, "unknown proxy type"},
		{"incomplete forward", func(c *config) {
			c.Proxy.URL = "https://proxy"
			c.Forwards = []forwardConfig{{Name: "x", Listen: ":1"}}
		}, "needs both"},
		{"ok", func(c *config) { c.Proxy.URL = "http://proxy:3128" }, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mod(&cfg)
			err := cfg.validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestParseForward(t *testing.T) {
	f, err := parseForward("localhost:5432=db.internal:5432")
	require.NoError(t, err)
	assert.Equal(t, forwardConfig{Name: "db.internal:5432", Listen: "localhost:5432", Remote: "db.internal:5432"}, f)

	f, err = parseForward("db=localhost:5432=db.internal:5432")
	require.NoError(t, err)
	assert.Equal(t, "db", f.Name)
	assert.Equal(t, "localhost:5432", f.Listen)

	_, err = parseForward("localhost:5432")
	assert.Error(t, err)
}
