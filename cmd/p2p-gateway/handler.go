package main

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// hopHeaders apply to a single transport hop and are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayHandler tunnels CONNECT requests and forwards absolute-form
// requests over the pooled transport.
type gatewayHandler struct {
	connect   http.Handler
	transport http.RoundTripper
	log       *zap.Logger
}

func (h *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.connect.ServeHTTP(w, r)
		return
	}
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "absolute-form request URL required", http.StatusBadRequest)
		return
	}
	h.forward(w, r)
}

func (h *gatewayHandler) forward(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false
	if r.ContentLength == 0 {
		out.Body = nil
	}
	removeHopHeaders(out.Header)

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		h.log.Warn("forward failed", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug("copying response body", zap.String("url", r.URL.String()), zap.Error(err))
	}
}

func removeHopHeaders(hdr http.Header) {
	for _, v := range hdr.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				hdr.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		hdr.Del(name)
	}
}
