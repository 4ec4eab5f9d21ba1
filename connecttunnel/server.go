package connecttunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"lds.li/netagent/duplex"
	imetrics "lds.li/netagent/internal/metrics"
)

type tunnelMetrics struct {
	tunnels *prometheus.CounterVec
	active  prometheus.Gauge
}

// newTunnelMetrics shares its collectors between handlers built on the same
// Registerer. A conflicting registration leaves them unregistered.
func newTunnelMetrics(cfg *ServerConfig) *tunnelMetrics {
	tunnels, err := imetrics.Shared(cfg.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netagent_tunnel_requests_total",
		Help: "CONNECT requests by outcome",
	}, []string{"proto", "result"}))
	if err != nil {
		cfg.getLogger().Warn("tunnel request metrics not registered", zap.Error(err))
	}
	active, err := imetrics.Shared(cfg.Registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netagent_tunnel_active",
		Help: "Established CONNECT tunnels",
	}))
	if err != nil {
		cfg.getLogger().Warn("active tunnel metric not registered", zap.Error(err))
	}
	return &tunnelMetrics{tunnels: tunnels, active: active}
}

// NewHandler creates a handler that serves both HTTP/1.1 and HTTP/2 CONNECT
// requests, choosing by the request protocol.
func NewHandler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	m := newTunnelMetrics(cfg)
	return &unifiedHandler{
		h1: &h1Handler{cfg: cfg, metrics: m},
		h2: &h2Handler{cfg: cfg, metrics: m},
	}
}

// NewH1Handler creates an HTTP/1.1 CONNECT handler that hijacks the client
// connection and joins it to the dialed target.
func NewH1Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h1Handler{cfg: cfg, metrics: newTunnelMetrics(cfg)}
}

// NewH2Handler creates an HTTP/2 CONNECT handler. It works with both
// HTTP/2 over TLS and h2c.
func NewH2Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h2Handler{cfg: cfg, metrics: newTunnelMetrics(cfg)}
}

type unifiedHandler struct {
	h1 *h1Handler
	h2 *h2Handler
}

func (h *unifiedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.ProtoMajor == 2 {
		h.h2.ServeHTTP(w, req)
	} else {
		h.h1.ServeHTTP(w, req)
	}
}

// open runs the checks shared by both protocols and dials the target. On
// failure it has already written the error response.
func open(cfg *ServerConfig, m *tunnelMetrics, proto string, w http.ResponseWriter, req *http.Request, target string) (net.Conn, *zap.Logger, bool) {
	log := cfg.getLogger().With(zap.String("target", target), zap.String("proto", proto), zap.String("client", req.RemoteAddr))
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, log, false
	}
	if target == "" || target == "/" {
		m.tunnels.WithLabelValues(proto, "bad_request").Inc()
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return nil, log, false
	}
	if err := cfg.checkTunnel(req.Context(), req); err != nil {
		m.tunnels.WithLabelValues(proto, "rejected").Inc()
		log.Info("tunnel rejected", zap.Error(errors.Join(ErrTunnelRejected, err)))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, log, false
	}
	upstream, err := cfg.getDialFunc()(req.Context(), "tcp", target)
	if err != nil {
		m.tunnels.WithLabelValues(proto, "dial_error").Inc()
		log.Warn("tunnel dial failed", zap.Error(errors.Join(ErrUpstreamDial, err)))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return nil, log, false
	}
	m.tunnels.WithLabelValues(proto, "ok").Inc()
	return upstream, log, true
}

type h1Handler struct {
	cfg     *ServerConfig
	metrics *tunnelMetrics
}

func (h *h1Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// RequestURI carries the authority form, e.g. "example.com:443".
	upstream, log, ok := open(h.cfg, h.metrics, "h1", w, req, req.RequestURI)
	if !ok {
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		log.Warn("hijack failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	_, err = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		client.Close()
		upstream.Close()
		log.Warn("writing tunnel response", zap.Error(err))
		return
	}

	// Bytes the client sent after the request are already in bufrw.
	if n := bufrw.Reader.Buffered(); n > 0 {
		early, _ := bufrw.Reader.Peek(n)
		if _, err := upstream.Write(early); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}

	// The hijacked connection no longer belongs to the request, so it is
	// not bound to req.Context().
	go func() {
		h.metrics.active.Inc()
		defer h.metrics.active.Dec()
		if err := duplex.Join(client, upstream); err != nil {
			log.Warn("tunnel error", zap.Error(err))
		}
	}()
}

type h2Handler struct {
	cfg     *ServerConfig
	metrics *tunnelMetrics
}

func (h *h2Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.ProtoMajor != 2 {
		http.Error(w, "HTTP/2 required", http.StatusHTTPVersionNotSupported)
		return
	}
	// HTTP/2 CONNECT names the target in :authority.
	upstream, log, ok := open(h.cfg, h.metrics, "h2", w, req, req.Host)
	if !ok {
		return
	}
	defer upstream.Close()

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		log.Warn("enabling full duplex", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("flushing tunnel response", zap.Error(err))
		return
	}

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()
	// The stream lives as long as the handler, so both copies must finish
	// before it returns.
	if err := h.tunnel(req.Context(), req.Body, &flushWriter{w: w, rc: rc}, upstream); err != nil {
		log.Warn("tunnel error", zap.Error(err))
	}
}

func (h *h2Handler) tunnel(ctx context.Context, body io.ReadCloser, w io.Writer, upstream net.Conn) error {
	defer body.Close()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, body)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errc <- err
	}()
	go func() {
		_, err := io.Copy(w, upstream)
		errc <- err
	}()

	var first error
	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case err := <-errc:
			pending--
			if err != nil && first == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				first = err
				upstream.Close()
				body.Close()
			}
		case <-done:
			// Unblock both copies, then collect them.
			done = nil
			upstream.Close()
			body.Close()
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return first
}

// flushWriter sends each write as a DATA frame immediately.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.rc.Flush()
}
