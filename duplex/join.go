package duplex

import (
	"errors"
	"io"
	"net"
)

// Join copies between a and b in both directions until both sides have
// finished, then closes both. When one direction reaches EOF the write half
// of its destination is closed, if it supports that. Any other copy error
// closes both sides at once. The first error other than EOF or
// net.ErrClosed is returned.
func Join(a, b net.Conn) error {
	defer a.Close()
	defer b.Close()

	errc := make(chan error, 2)
	pump := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		errc <- err
	}
	go pump(b, a)
	go pump(a, b)

	var first error
	for range 2 {
		err := <-errc
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			continue
		}
		if first == nil {
			first = err
		}
		_ = a.Close()
		_ = b.Close()
	}
	return first
}
