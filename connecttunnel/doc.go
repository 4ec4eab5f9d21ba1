// Package connecttunnel carries TCP connections over HTTP CONNECT.
//
// HTTP/1.1 CONNECT (RFC 9110), HTTP/2 CONNECT (RFC 9113) and HTTP/2
// cleartext (h2c) are supported, with server handlers and client dialers
// for each.
//
// # Server
//
//	handler := connecttunnel.NewHandler(&connecttunnel.ServerConfig{
//	    OnTunnel: func(ctx context.Context, req *http.Request) error {
//	        return nil // authenticate or reject here
//	    },
//	    Logger: logger,
//	})
//	http.ListenAndServe(":8080", handler)
//
// NewHandler picks HTTP/1.1 or HTTP/2 by request protocol; NewH1Handler and
// NewH2Handler serve one protocol each. Wrap the handler with
// h2c.NewHandler to accept h2c. ServerConfig.Dial replaces the upstream
// dialer, for example with an overlay forwarder so tunnels exit on a
// remote peer.
//
// # Client
//
//	d := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy.example.com:8080",
//	})
//	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
//
// NewH2Dialer and NewH2CDialer open one stream per tunnel over a shared
// HTTP/2 connection. Every dialer's DialContext has the shape of
// pool.DialFunc, so a connection pool can keep tunnels alive, and
// ClientConfig.DialContext chains one proxy through another.
package connecttunnel
