// Package pool implements a client-side socket pool.
//
// An Agent keeps, per destination key, the sockets in use by a request, the
// free sockets kept alive for reuse and the requests waiting for a socket.
// Keys are derived from connection-relevant Options only (Key, TLSKey), so
// requests that would open equivalent connections share sockets.
//
// Socket creation is delegated to a Connector:
//
//	agent, err := pool.New(pool.Config{
//		KeepAlive:  true,
//		MaxSockets: 4,
//		Connector:  pool.NewTLSConnector(pool.TLSConnectorConfig{}),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer agent.Close()
//
//	client := &http.Client{Transport: &pool.Transport{HTTPS: agent}}
//
// Free sockets are reused most-recently-used first ("lifo") by default, or
// least-recently-used first with Scheduling "fifo". A request released with
// waiting requests on its destination is handed straight to the oldest one.
package pool
