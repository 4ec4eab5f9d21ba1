package duplex

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Socket.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateHalfClosed
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHalfClosed:
		return "halfClosed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options configures a Socket.
type Options struct {
	// WriteQueueLimit bounds the number of queued writes. When the queue is
	// full, Send blocks until the sink consumes an item. Zero means unbounded.
	WriteQueueLimit int `yaml:"write_queue_limit"`

	// LocalAddr and RemoteAddr are reported by the net.Conn address methods.
	LocalAddr  net.Addr `yaml:"-"`
	RemoteAddr net.Addr `yaml:"-"`

	// Logger receives debug events. If nil, logging is disabled.
	Logger *zap.Logger `yaml:"-"`
}

// ConnectFunc produces the stream a connecting socket binds to.
type ConnectFunc func(ctx context.Context) (Stream, error)

type writeItem struct {
	chunk []byte
	end   bool
	done  func(error)
}

// Socket presents a Stream as a flow-controlled net.Conn.
//
// Writes are queued in order and fed to the sink by a single goroutine.
// Reads pull from the source only on demand, one pull at a time. Read and
// write deadlines fail blocked calls with os.ErrDeadlineExceeded; a write
// that timed out while queued may still reach the sink.
type Socket struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	connecting bool
	readable   bool
	writable   bool
	bound      bool
	stream     Stream
	destroyed  bool
	destroyErr error

	queue []writeItem
	ended bool
	wake  chan struct{}
	space chan struct{}

	rbuf    []byte
	rerr    error
	pulling bool
	rready  chan struct{}

	rdl *deadline
	wdl *deadline

	connected  chan struct{}
	connectErr error
	onConnect  []func(error)
	onClose    []func(error)
	closeFired bool
}

var _ net.Conn = (*Socket)(nil)

// New returns an idle socket. Writes made before it is bound are queued.
func New(opts Options) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Socket{
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		space:     make(chan struct{}),
		rready:    make(chan struct{}),
		connected: make(chan struct{}),
		rdl:       newDeadline(),
		wdl:       newDeadline(),
	}
}

// NewBound returns a socket already bound to stream and open.
func NewBound(stream Stream, opts Options) *Socket {
	s := New(opts)
	s.mu.Lock()
	cbs := s.bindLocked(stream)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(nil)
	}
	return s
}

// Connect moves an idle socket to connecting and runs fn in the background.
// On success the returned stream is bound and the socket opens; on failure
// the socket is destroyed with the error. Either way the connect callbacks
// run exactly once. ctx only bounds fn.
func (s *Socket) Connect(ctx context.Context, fn ConnectFunc) error {
	s.mu.Lock()
	if s.state != StateIdle || s.destroyed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.connecting = true
	s.mu.Unlock()

	go func() {
		stream, err := fn(ctx)
		s.finishConnect(stream, err)
	}()
	return nil
}

func (s *Socket) finishConnect(stream Stream, err error) {
	s.mu.Lock()
	if s.destroyed {
		ferr := s.closedErrLocked()
		s.mu.Unlock()
		if err == nil && stream.Abort != nil {
			stream.Abort(ferr)
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Debug("socket connect failed", zap.Error(err))
		s.Destroy(err)
		return
	}
	cbs := s.bindLocked(stream)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(nil)
	}
}

func (s *Socket) bindLocked(stream Stream) []func(error) {
	if stream.Source == nil {
		stream.Source = nopSource{}
	}
	if stream.Sink == nil {
		stream.Sink = nopSink{}
	}
	s.stream = stream
	s.bound = true
	s.connecting = false
	s.readable = true
	s.writable = true
	s.state = StateOpen
	close(s.connected)
	cbs := s.onConnect
	s.onConnect = nil
	go s.writeLoop(stream.Sink)
	return cbs
}

// OnConnect registers fn to run once the connect attempt settles. If it
// already has, fn runs immediately.
func (s *Socket) OnConnect(fn func(error)) {
	s.mu.Lock()
	select {
	case <-s.connected:
		err := s.connectErr
		s.mu.Unlock()
		fn(err)
		return
	default:
	}
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// OnClose registers fn to run once when the socket closes, either by
// Destroy or because both halves ended.
func (s *Socket) OnClose(fn func(error)) {
	s.mu.Lock()
	if s.closeFired {
		err := s.destroyErr
		s.mu.Unlock()
		fn(err)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Wait blocks until the connect attempt settles and returns its error.
func (s *Socket) Wait(ctx context.Context) error {
	select {
	case <-s.connected:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues chunk for writing. done, if non-nil, is called after the chunk
// was handed to the sink or with the error that prevented it. Errors
// returned by Send itself mean the chunk was not queued and done is never
// called. Send blocks while the write queue is full.
func (s *Socket) Send(chunk []byte, done func(error)) error {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	return s.enqueue(writeItem{chunk: c, done: done})
}

// End queues the end-of-stream marker behind any pending writes.
// Ending twice is a no-op.
func (s *Socket) End(done func(error)) error {
	s.mu.Lock()
	if s.ended && !s.destroyed {
		s.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return nil
	}
	s.mu.Unlock()
	return s.enqueue(writeItem{end: true, done: done})
}

func (s *Socket) enqueue(item writeItem) error {
	limit := s.opts.WriteQueueLimit
	s.mu.Lock()
	for {
		if s.destroyed {
			err := s.closedErrLocked()
			s.mu.Unlock()
			return err
		}
		if s.ended {
			s.mu.Unlock()
			return ErrWriteAfterEnd
		}
		if item.end || limit <= 0 || len(s.queue) < limit {
			break
		}
		space := s.space
		s.mu.Unlock()
		select {
		case <-space:
		case <-s.done:
		case <-s.wdl.wait():
			return os.ErrDeadlineExceeded
		}
		s.mu.Lock()
	}
	s.queue = append(s.queue, item)
	if item.end {
		s.ended = true
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
	return nil
}

// Write implements net.Conn. It blocks until p has been handed to the sink.
func (s *Socket) Write(p []byte) (int, error) {
	if s.wdl.expired() {
		return 0, os.ErrDeadlineExceeded
	}
	res := make(chan error, 1)
	if err := s.Send(p, func(err error) { res <- err }); err != nil {
		return 0, err
	}
	if err := s.awaitWrite(res); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite ends the write half and waits for the end marker to reach the sink.
func (s *Socket) CloseWrite() error {
	res := make(chan error, 1)
	if err := s.End(func(err error) { res <- err }); err != nil {
		return err
	}
	return s.awaitWrite(res)
}

func (s *Socket) awaitWrite(res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-s.wdl.wait():
		return os.ErrDeadlineExceeded
	}
}

func (s *Socket) writeLoop(sink Sink) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.destroyed {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			s.mu.Lock()
		}
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue[0] = writeItem{}
		s.queue = s.queue[1:]
		close(s.space)
		s.space = make(chan struct{})
		s.mu.Unlock()

		var err error
		if item.end {
			err = sink.End(s.ctx)
		} else {
			err = sink.Push(s.ctx, item.chunk)
		}
		if err != nil {
			if item.done != nil {
				item.done(err)
			}
			s.log.Debug("socket sink failed", zap.Error(err))
			s.Destroy(err)
			return
		}
		if item.done != nil {
			item.done(nil)
		}
		if item.end {
			s.mu.Lock()
			s.writable = false
			finish := s.updateLocked()
			s.mu.Unlock()
			finish()
			return
		}
	}
}

// Read implements net.Conn. The source is pulled only while a reader waits
// and the buffer is empty.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	for {
		dl := s.rdl.wait()
		if isClosed(dl) {
			s.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		if len(s.rbuf) > 0 {
			n := copy(p, s.rbuf)
			s.rbuf = s.rbuf[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.destroyed {
			err := s.closedErrLocked()
			s.mu.Unlock()
			return 0, err
		}
		if s.rerr != nil {
			err := s.rerr
			s.mu.Unlock()
			return 0, err
		}
		if s.state == StateIdle {
			s.mu.Unlock()
			return 0, ErrNotConnected
		}
		wait := s.connected
		if s.bound {
			if !s.pulling {
				s.pulling = true
				go s.pull(s.stream.Source)
			}
			wait = s.rready
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-s.done:
		case <-dl:
		}
		s.mu.Lock()
	}
}

func (s *Socket) pull(src Source) {
	chunk, err := src.Next(s.ctx)

	s.mu.Lock()
	s.pulling = false
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	finish := func() {}
	switch {
	case err == nil:
		s.rbuf = append(s.rbuf, chunk...)
	case errors.Is(err, io.EOF):
		s.rerr = io.EOF
		s.readable = false
		finish = s.updateLocked()
	default:
		s.mu.Unlock()
		s.log.Debug("socket source failed", zap.Error(err))
		s.Destroy(err)
		return
	}
	close(s.rready)
	s.rready = make(chan struct{})
	s.mu.Unlock()

	finish()
}

// updateLocked recomputes the lifecycle state after a half ended. The
// returned func must run after the lock is released.
func (s *Socket) updateLocked() func() {
	if s.destroyed || s.state == StateClosed {
		return func() {}
	}
	if s.readable || s.writable {
		if s.state == StateOpen {
			s.state = StateHalfClosed
		}
		return func() {}
	}
	s.state = StateClosed
	s.cancel()
	abort := s.stream.Abort
	cbs := s.takeCloseLocked()
	return func() {
		if abort != nil {
			abort(nil)
		}
		for _, cb := range cbs {
			cb(nil)
		}
	}
}

func (s *Socket) takeCloseLocked() []func(error) {
	if s.closeFired {
		return nil
	}
	s.closeFired = true
	cbs := s.onClose
	s.onClose = nil
	return cbs
}

// Destroy closes the socket immediately. Pending writes, reads and connect
// callbacks observe err, or net.ErrClosed when err is nil.
func (s *Socket) Destroy(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.destroyErr = err
	if s.state == StateConnecting {
		s.state = StateFailed
	} else {
		s.state = StateClosed
	}
	s.connecting = false
	s.readable = false
	s.writable = false
	s.rbuf = nil
	pending := s.queue
	s.queue = nil
	ferr := s.closedErrLocked()

	var connectCbs []func(error)
	select {
	case <-s.connected:
	default:
		s.connectErr = ferr
		close(s.connected)
		connectCbs = s.onConnect
		s.onConnect = nil
	}
	abort := s.stream.Abort
	closeCbs := s.takeCloseLocked()
	s.cancel()
	close(s.done)
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("socket destroyed", zap.Error(err))
	}
	for _, item := range pending {
		if item.done != nil {
			item.done(ferr)
		}
	}
	for _, cb := range connectCbs {
		cb(ferr)
	}
	if abort != nil {
		abort(err)
	}
	for _, cb := range closeCbs {
		cb(err)
	}
}

func (s *Socket) closedErrLocked() error {
	if s.destroyErr != nil {
		return s.destroyErr
	}
	return net.ErrClosed
}

// Close implements net.Conn. It is Destroy(nil).
func (s *Socket) Close() error {
	s.Destroy(nil)
	return nil
}

// State returns the lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadyState summarizes the socket flags as one of "opening", "open",
// "readOnly", "writeOnly" or "closed".
func (s *Socket) ReadyState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.connecting:
		return "opening"
	case s.readable && s.writable:
		return "open"
	case s.readable:
		return "readOnly"
	case s.writable:
		return "writeOnly"
	}
	return "closed"
}

// Writable reports whether the write half is still open.
func (s *Socket) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// Destroyed reports whether Destroy has been called.
func (s *Socket) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// LocalAddr implements net.Conn.
func (s *Socket) LocalAddr() net.Addr {
	if s.opts.LocalAddr != nil {
		return s.opts.LocalAddr
	}
	return Addr{Net: "duplex"}
}

// RemoteAddr implements net.Conn.
func (s *Socket) RemoteAddr() net.Addr {
	if s.opts.RemoteAddr != nil {
		return s.opts.RemoteAddr
	}
	return Addr{Net: "duplex"}
}

// SetTimeout is accepted for API compatibility and has no effect. Use the
// deadline methods to bound blocked calls.
func (s *Socket) SetTimeout(time.Duration) {}

// SetDeadline implements net.Conn.
func (s *Socket) SetDeadline(t time.Time) error {
	s.rdl.set(t)
	s.wdl.set(t)
	return nil
}

// SetReadDeadline implements net.Conn.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.rdl.set(t)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.wdl.set(t)
	return nil
}

// Addr is a net.Addr for sockets without a native address.
type Addr struct {
	Net     string
	Address string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Address }

type nopSource struct{}

func (nopSource) Next(context.Context) ([]byte, error) { return nil, io.EOF }

type nopSink struct{}

func (nopSink) Push(context.Context, []byte) error { return nil }
func (nopSink) End(context.Context) error          { return nil }
