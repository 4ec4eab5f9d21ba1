package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lds.li/netagent/connecttunnel"
	"lds.li/netagent/pool"
)

func newTestGateway(t *testing.T) (*httptest.Server, *pool.Agent) {
	t.Helper()
	agent, err := pool.New(pool.Config{KeepAlive: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	log := zap.NewNop()
	h := &gatewayHandler{
		connect:   connecttunnel.NewHandler(&connecttunnel.ServerConfig{Logger: log}),
		transport: &pool.Transport{HTTP: agent},
		log:       log,
	}
	gw := httptest.NewServer(h)
	t.Cleanup(gw.Close)
	return gw, agent
}

func proxyClient(t *testing.T, gw *httptest.Server) *http.Client {
	t.Helper()
	u, err := url.Parse(gw.URL)
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
}

func TestGatewayForwardsAbsoluteRequests(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Hop"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer origin.Close()

	gw, agent := newTestGateway(t)
	client := proxyClient(t, gw)

	for _, path := range []string{"/one", "/two"} {
		req, err := http.NewRequest(http.MethodGet, origin.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Connection", "X-Hop")
		req.Header.Set("X-Hop", "drop me")
		req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")

		resp, err := client.Do(req)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusTeapot, resp.StatusCode)
		assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
		assert.Equal(t, "hello "+path, string(b))
	}

	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	key := pool.Key(&pool.Options{Host: u.Hostname(), Port: u.Port()})
	assert.Eventually(t, func() bool {
		st := agent.Stats()
		return st.Total >= 1 && st.Destinations[key].Free == st.Total
	}, time.Second, 10*time.Millisecond, "upstream sockets return to the pool")
}

func TestGatewayRejectsOriginForm(t *testing.T) {
	gw, _ := newTestGateway(t)
	resp, err := http.Get(gw.URL + "/local")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayUpstreamFailure(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	target := origin.URL
	origin.Close()

	gw, _ := newTestGateway(t)
	resp, err := proxyClient(t, gw).Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGatewayTunnelsConnect(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer origin.Close()

	gw, _ := newTestGateway(t)
	u, err := url.Parse(gw.URL)
	require.NoError(t, err)
	tr := origin.Client().Transport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(u)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(b))
}

func TestRemoveHopHeaders(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Connection", "keep-alive, X-Custom")
	hdr.Set("X-Custom", "1")
	hdr.Set("Keep-Alive", "timeout=5")
	hdr.Set("Upgrade", "websocket")
	hdr.Set("Content-Type", "text/plain")
	removeHopHeaders(hdr)
	assert.Equal(t, http.Header{"Content-Type": []string{"text/plain"}}, hdr)
}
