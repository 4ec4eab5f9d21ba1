// Package duplex adapts a pull-based byte source and a push-based byte sink
// into a net.Conn.
//
// A Stream is any pair of Source and Sink. Sockets may be created bound to
// a stream (NewBound) or idle and later connected through a ConnectFunc
// (New followed by Connect). While idle or connecting, writes are queued and
// flushed in order once the stream is bound.
//
//	sock := duplex.New(duplex.Options{})
//	_ = sock.Connect(ctx, func(ctx context.Context) (duplex.Stream, error) {
//		c, err := net.Dial("tcp", "example.com:80")
//		if err != nil {
//			return duplex.Stream{}, err
//		}
//		return duplex.FromReadWriteCloser(c), nil
//	})
//	if err := sock.Wait(ctx); err != nil {
//		// handle error
//	}
//
// Socket lifecycle: idle, connecting, then open or failed. An open socket
// becomes halfClosed when one half ends and closed when both have ended or
// Destroy is called.
package duplex
