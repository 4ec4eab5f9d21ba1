// Package overlay connects to and listens for protocol streams on a
// peer-to-peer network, presenting them as duplex sockets.
//
// A Dialer follows a Route: it dials the first peer, extends through each
// relay hop in order, then opens the protocol stream on the final peer.
// Any failure along the way destroys the socket and later steps never run.
//
//	h, _ := libp2p.New()
//	d := &overlay.Dialer{Network: overlay.NewHostNetwork(h)}
//	route, _ := overlay.ParseRoute("/ip4/10.0.0.1/tcp/4001/p2p/12D3Koo...", "/echo/1.0.0")
//	sock, err := d.Dial(ctx, route)
//
// A ListenConfig registers a protocol handler and returns a net.Listener
// whose connections are *duplex.Socket values.
package overlay
