package pool

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a socket owned by an Agent. While bound to a request it belongs
// to that request; Release hands it back and Close destroys it.
type Conn struct {
	net.Conn

	agent *Agent
	key   string

	// guarded by agent.mu
	req     *Request
	free    bool
	removed bool
	idle    *time.Timer

	reused  atomic.Bool
	broken  atomic.Bool
	timeout atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Key returns the destination key the socket is pooled under.
func (c *Conn) Key() string { return c.key }

// Reused reports whether the socket served a previous request.
func (c *Conn) Reused() bool { return c.reused.Load() }

// Timeout returns the inactivity timeout in effect for the current request.
// Zero means none.
func (c *Conn) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// Writable reports whether the socket can still carry a request. A read or
// write error, including the peer closing the connection, clears it.
func (c *Conn) Writable() bool { return !c.broken.Load() }

// Read implements net.Conn.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

// Write implements net.Conn.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

// Close destroys the socket and removes it from the agent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		c.closeErr = c.Conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
		c.agent.Remove(c)
	})
	return c.closeErr
}

// Release returns the socket to its agent. Shorthand for Agent.Release.
func (c *Conn) Release() { c.agent.Release(c) }

type keepAliver interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

type netConner interface {
	NetConn() net.Conn
}

// enableKeepAlive turns on TCP keep-alive probes when the transport
// supports them. Transports without TCP underneath are accepted as is.
func enableKeepAlive(conn net.Conn, period time.Duration) error {
	for {
		if ka, ok := conn.(keepAliver); ok {
			if err := ka.SetKeepAlive(true); err != nil {
				return err
			}
			return ka.SetKeepAlivePeriod(period)
		}
		nc, ok := conn.(netConner)
		if !ok {
			return nil
		}
		conn = nc.NetConn()
	}
}

var _ net.Conn = (*Conn)(nil)
