package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Request describes one use of a socket. It is passed by pointer to
// Acquire and stays associated with the returned Conn until Release.
type Request struct {
	// Options select the destination.
	Options Options

	// Host is the Host header of the request, used to derive the TLS
	// server name when Options.ServerName is empty.
	Host string

	// Timeout overrides the agent timeout while the socket serves this request.
	Timeout time.Duration

	// ShouldKeepAlive marks the socket as reusable once the request completes.
	ShouldKeepAlive bool

	ctx    context.Context
	key    string
	opts   Options
	result chan acquireResult
}

type acquireResult struct {
	conn *Conn
	err  error
}

// socketSet is the per-destination state. creating counts sockets being
// dialed; they already hold capacity.
type socketSet struct {
	inUse    map[*Conn]struct{}
	free     []*Conn
	creating int
	queue    []*Request
}

func (s *socketSet) count() int { return len(s.inUse) + len(s.free) + s.creating }

// Agent pools sockets per destination key.
//
// All bookkeeping happens under one mutex that is never held while a
// socket is being created. Capacity is reserved before dialing so that
// in-use, free and creating sockets together never exceed the limits.
type Agent struct {
	cfg        Config
	log        *zap.Logger
	m          *metrics
	maxSockets int
	maxTotal   int

	mu     sync.Mutex
	closed bool
	total  int
	sets   map[string]*socketSet
	// keys with waiting requests, ordered by when their queue became non-empty
	queued []string
}

// New validates cfg and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()
	m, err := newMetrics(c.Registerer)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	return &Agent{
		cfg:        c,
		log:        c.Logger,
		m:          m,
		maxSockets: c.maxSockets(),
		maxTotal:   c.maxTotalSockets(),
		sets:       make(map[string]*socketSet),
	}, nil
}

// Key returns the destination key req would be pooled under.
func (a *Agent) Key(req *Request) string {
	opts := a.effectiveOptions(req)
	return a.cfg.Connector.Key(&opts)
}

func (a *Agent) effectiveOptions(req *Request) Options {
	opts := req.Options
	if opts.ServerName == "" {
		opts.ServerName = serverName(&opts, req.Host)
	}
	return opts
}

// Acquire returns a socket for req. A free socket is reused when present;
// otherwise a new one is created if the limits allow, or req waits until a
// socket is handed to it. Cancelling ctx abandons the wait.
func (a *Agent) Acquire(ctx context.Context, req *Request) (*Conn, error) {
	a.prepare(ctx, req)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAgentClosed
	}
	set := a.setLocked(req.key)
	c, dropped := a.popFreeLocked(set)
	if c != nil {
		a.bindLocked(set, c, req)
		if dropped {
			a.dispatchLocked(req.key)
		}
		a.updateGaugesLocked()
		a.mu.Unlock()
		c.reused.Store(true)
		a.m.reused.Inc()
		a.log.Debug("reusing free socket", zap.String("key", req.key))
		return c, nil
	}

	var evicted *Conn
	if !a.canCreateLocked(set) && set.count() < a.maxSockets {
		evicted = a.evictIdleLocked(req.key)
	}
	if a.canCreateLocked(set) {
		a.reserveLocked(set)
		a.mu.Unlock()
		if evicted != nil {
			a.log.Debug("evicted idle socket for new destination", zap.String("key", evicted.key))
			_ = evicted.Close()
		}
		return a.create(ctx, req)
	}

	a.enqueueLocked(set, req)
	if dropped {
		a.dispatchLocked(req.key)
	}
	a.updateGaugesLocked()
	a.mu.Unlock()
	a.log.Debug("waiting for socket", zap.String("key", req.key))

	select {
	case res := <-req.result:
		return res.conn, res.err
	case <-ctx.Done():
	}

	a.mu.Lock()
	if a.dequeueLocked(req) {
		a.updateGaugesLocked()
		a.mu.Unlock()
		return nil, ctx.Err()
	}
	a.mu.Unlock()
	// A socket is already on its way to req; hand it back once it arrives.
	go func() {
		if res := <-req.result; res.conn != nil {
			a.Release(res.conn)
		}
	}()
	return nil, ctx.Err()
}

func (a *Agent) prepare(ctx context.Context, req *Request) {
	req.opts = a.effectiveOptions(req)
	req.key = a.cfg.Connector.Key(&req.opts)
	req.ctx = ctx
	req.result = make(chan acquireResult, 1)
}

func (a *Agent) enqueueLocked(set *socketSet, req *Request) {
	set.queue = append(set.queue, req)
	if len(set.queue) == 1 {
		a.queued = append(a.queued, req.key)
	}
}

// create dials a socket for req. The caller has reserved capacity.
func (a *Agent) create(ctx context.Context, req *Request) (*Conn, error) {
	nc, err := a.cfg.Connector.Connect(ctx, req.key, &req.opts)

	a.mu.Lock()
	set := a.setLocked(req.key)
	set.creating--
	if err != nil {
		a.total--
		a.dispatchLocked(req.key)
		a.pruneLocked(req.key)
		a.updateGaugesLocked()
		a.mu.Unlock()
		a.m.dialErrs.Inc()
		a.log.Warn("socket creation failed", zap.String("key", req.key), zap.Error(err))
		return nil, &DialError{Key: req.key, Err: err}
	}
	if a.closed {
		a.total--
		a.pruneLocked(req.key)
		a.mu.Unlock()
		_ = nc.Close()
		return nil, ErrAgentClosed
	}
	c := &Conn{Conn: nc, agent: a, key: req.key}
	a.bindLocked(set, c, req)
	a.updateGaugesLocked()
	a.mu.Unlock()

	a.m.created.Inc()
	a.log.Debug("created socket", zap.String("key", req.key))
	return c, nil
}

func (a *Agent) createQueued(req *Request) {
	c, err := a.create(req.ctx, req)
	req.result <- acquireResult{conn: c, err: err}
}

// Release is called when the request bound to c has finished with it.
// Sockets that are broken or whose request did not ask for persistence are
// destroyed. Otherwise the socket goes to the oldest request waiting on the
// same destination, or to the free set when keep-alive and the limits
// allow it.
func (a *Agent) Release(c *Conn) {
	a.mu.Lock()
	if c.removed || c.free {
		a.mu.Unlock()
		return
	}
	if a.closed || !c.Writable() || c.req == nil || !c.req.ShouldKeepAlive {
		a.mu.Unlock()
		_ = c.Close()
		return
	}

	set := a.setLocked(c.key)
	if len(set.queue) > 0 {
		req := a.shiftQueueLocked(c.key, set)
		a.bindLocked(set, c, req)
		a.updateGaugesLocked()
		a.mu.Unlock()
		c.reused.Store(true)
		a.m.reused.Inc()
		a.log.Debug("handing socket to waiting request", zap.String("key", c.key))
		req.result <- acquireResult{conn: c}
		return
	}

	if a.crossOriginWaitingLocked(c.key) {
		a.mu.Unlock()
		a.log.Debug("destroying socket for waiting destination", zap.String("key", c.key))
		_ = c.Close()
		return
	}

	if !a.cfg.KeepAlive {
		a.mu.Unlock()
		_ = c.Close()
		return
	}
	if a.total > a.maxTotal || set.count() > a.maxSockets || len(set.free) >= a.cfg.MaxFreeSockets {
		a.mu.Unlock()
		_ = c.Close()
		return
	}
	if err := enableKeepAlive(c.Conn, a.cfg.KeepAliveInterval); err != nil {
		a.mu.Unlock()
		a.log.Debug("keep-alive setup failed", zap.String("key", c.key), zap.Error(err))
		_ = c.Close()
		return
	}

	delete(set.inUse, c)
	c.req = nil
	c.free = true
	c.timeout.Store(int64(a.cfg.Timeout))
	set.free = append(set.free, c)
	if a.cfg.Timeout > 0 {
		c.idle = time.AfterFunc(a.cfg.Timeout, func() { a.idleTimeout(c) })
	}
	a.updateGaugesLocked()
	a.mu.Unlock()
	a.log.Debug("socket freed", zap.String("key", c.key))
}

func (a *Agent) idleTimeout(c *Conn) {
	a.mu.Lock()
	idle := c.free && !c.removed
	a.mu.Unlock()
	if idle {
		a.log.Debug("closing idle socket", zap.String("key", c.key))
		_ = c.Close()
	}
}

// Remove drops c from the agent without closing it. Removing a socket
// twice is a no-op. Freed capacity is used to serve waiting requests.
func (a *Agent) Remove(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.removed {
		return
	}
	a.removeLocked(c)
	a.dispatchLocked(c.key)
	a.pruneLocked(c.key)
	a.updateGaugesLocked()
}

func (a *Agent) removeLocked(c *Conn) {
	c.removed = true
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if set := a.sets[c.key]; set != nil {
		delete(set.inUse, c)
		if c.free {
			for i, f := range set.free {
				if f == c {
					set.free = append(set.free[:i], set.free[i+1:]...)
					break
				}
			}
		}
	}
	c.free = false
	c.req = nil
	a.total--
	a.m.destroyed.Inc()
}

// dispatchLocked starts creating a socket for a waiting request after
// capacity was freed on key. Requests on key come first; otherwise only
// the destination that queued first is considered, and only if it has no
// active sockets.
func (a *Agent) dispatchLocked(key string) {
	if a.closed {
		return
	}
	if set := a.sets[key]; set != nil && len(set.queue) > 0 {
		if a.canCreateLocked(set) {
			a.startQueuedLocked(key, set)
		}
		return
	}
	if len(a.queued) == 0 {
		return
	}
	other := a.queued[0]
	set := a.sets[other]
	if len(set.inUse) > 0 || !a.canCreateLocked(set) {
		return
	}
	a.startQueuedLocked(other, set)
}

func (a *Agent) startQueuedLocked(key string, set *socketSet) {
	req := a.shiftQueueLocked(key, set)
	a.reserveLocked(set)
	go a.createQueued(req)
}

func (a *Agent) crossOriginWaitingLocked(key string) bool {
	if len(a.queued) == 0 || a.queued[0] == key {
		return false
	}
	set := a.sets[a.queued[0]]
	return len(set.inUse) == 0 && set.count() < a.maxSockets
}

func (a *Agent) shiftQueueLocked(key string, set *socketSet) *Request {
	req := set.queue[0]
	set.queue[0] = nil
	set.queue = set.queue[1:]
	if len(set.queue) == 0 {
		a.unmarkQueuedLocked(key)
	}
	return req
}

func (a *Agent) dequeueLocked(req *Request) bool {
	set := a.sets[req.key]
	if set == nil {
		return false
	}
	for i, r := range set.queue {
		if r == req {
			set.queue = append(set.queue[:i], set.queue[i+1:]...)
			if len(set.queue) == 0 {
				a.unmarkQueuedLocked(req.key)
			}
			a.pruneLocked(req.key)
			return true
		}
	}
	return false
}

func (a *Agent) unmarkQueuedLocked(key string) {
	for i, k := range a.queued {
		if k == key {
			a.queued = append(a.queued[:i], a.queued[i+1:]...)
			return
		}
	}
}

// popFreeLocked returns a writable free socket from set, destroying the
// broken ones it passes. dropped reports whether capacity was freed that
// way, in which case the caller dispatches waiting requests.
func (a *Agent) popFreeLocked(set *socketSet) (c *Conn, dropped bool) {
	for len(set.free) > 0 {
		if a.cfg.Scheduling == SchedulingFIFO {
			c = set.free[0]
			set.free[0] = nil
			set.free = set.free[1:]
		} else {
			n := len(set.free) - 1
			c = set.free[n]
			set.free[n] = nil
			set.free = set.free[:n]
		}
		c.free = false
		if c.idle != nil {
			c.idle.Stop()
			c.idle = nil
		}
		if c.Writable() {
			return c, dropped
		}
		c.removed = true
		a.total--
		a.m.destroyed.Inc()
		dropped = true
		go c.Close()
	}
	return nil, dropped
}

// evictIdleLocked removes one free socket held by another destination so
// that key can create a socket under the global limit.
func (a *Agent) evictIdleLocked(key string) *Conn {
	if a.total < a.maxTotal {
		return nil
	}
	for k, set := range a.sets {
		if k == key || len(set.free) == 0 {
			continue
		}
		c := set.free[0]
		a.removeLocked(c)
		a.pruneLocked(k)
		return c
	}
	return nil
}

func (a *Agent) bindLocked(set *socketSet, c *Conn, req *Request) {
	c.free = false
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.req = req
	set.inUse[c] = struct{}{}
	timeout := a.cfg.Timeout
	if req.Timeout != 0 {
		timeout = req.Timeout
	}
	c.timeout.Store(int64(timeout))
}

func (a *Agent) canCreateLocked(set *socketSet) bool {
	return set.count() < a.maxSockets && a.total < a.maxTotal
}

func (a *Agent) reserveLocked(set *socketSet) {
	set.creating++
	a.total++
}

func (a *Agent) setLocked(key string) *socketSet {
	set, ok := a.sets[key]
	if !ok {
		set = &socketSet{inUse: make(map[*Conn]struct{})}
		a.sets[key] = set
	}
	return set
}

func (a *Agent) pruneLocked(key string) {
	if set, ok := a.sets[key]; ok && set.count() == 0 && len(set.queue) == 0 {
		delete(a.sets, key)
	}
}

func (a *Agent) updateGaugesLocked() {
	var inUse, free, queued int
	for _, set := range a.sets {
		inUse += len(set.inUse)
		free += len(set.free)
		queued += len(set.queue)
	}
	a.m.inUse.Set(float64(inUse))
	a.m.free.Set(float64(free))
	a.m.queued.Set(float64(queued))
}

// Close destroys every socket the agent tracks. Waiting requests are not
// cancelled; they end when their context does. Acquire fails afterwards.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	var conns []*Conn
	for _, set := range a.sets {
		for c := range set.inUse {
			conns = append(conns, c)
		}
		conns = append(conns, set.free...)
	}
	a.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// DestinationStats is a point-in-time view of one destination.
type DestinationStats struct {
	InUse    int
	Free     int
	Creating int
	Queued   int
}

// Stats is a point-in-time view of the agent.
type Stats struct {
	Total        int
	Destinations map[string]DestinationStats
}

// Stats returns a snapshot of the agent's bookkeeping.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{Total: a.total, Destinations: make(map[string]DestinationStats, len(a.sets))}
	for k, set := range a.sets {
		st.Destinations[k] = DestinationStats{
			InUse:    len(set.inUse),
			Free:     len(set.free),
			Creating: set.creating,
			Queued:   len(set.queue),
		}
	}
	return st
}
