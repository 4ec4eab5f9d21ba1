package duplex

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Source is a pull-based byte source. Next returns the next chunk, or io.EOF
// once the source is exhausted. Any other error is terminal.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Sink is a push-based byte sink. Push hands one chunk to the sink and End
// delivers the end-of-stream marker. Neither is called concurrently.
type Sink interface {
	Push(ctx context.Context, chunk []byte) error
	End(ctx context.Context) error
}

// Stream pairs an optional Source and an optional Sink.
type Stream struct {
	Source Source
	Sink   Sink

	// Abort is called when the socket is destroyed so that blocked Next or
	// Push calls return. Optional.
	Abort func(err error)
}

// Empty reports whether the stream carries neither half.
func (s Stream) Empty() bool {
	return s.Source == nil && s.Sink == nil
}

const defaultChunkSize = 32 * 1024

// FromReader adapts r into a Source that reads chunks of up to 32 KiB.
func FromReader(r io.Reader) Source {
	return &readerSource{r: r, buf: make([]byte, defaultChunkSize)}
}

type readerSource struct {
	r   io.Reader
	buf []byte
	err error
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	for s.err == nil {
		n, err := s.r.Read(s.buf)
		s.err = err
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
	}
	return nil, s.err
}

type closeWriter interface {
	CloseWrite() error
}

type resetter interface {
	Reset() error
}

// FromWriter adapts w into a Sink. End calls CloseWrite when w supports it,
// otherwise Close when w is an io.Closer.
func FromWriter(w io.Writer) Sink {
	return &writerSink{w: w}
}

type writerSink struct {
	w io.Writer
}

func (s *writerSink) Push(ctx context.Context, chunk []byte) error {
	_, err := s.w.Write(chunk)
	return err
}

func (s *writerSink) End(ctx context.Context) error {
	switch w := s.w.(type) {
	case closeWriter:
		return w.CloseWrite()
	case io.Closer:
		return w.Close()
	}
	return nil
}

// FromReadWriteCloser adapts a bidirectional stream such as a net.Conn or a
// libp2p network.Stream. Abort resets the stream when it supports Reset and
// closes it otherwise.
func FromReadWriteCloser(rwc io.ReadWriteCloser) Stream {
	var once sync.Once
	return Stream{
		Source: FromReader(rwc),
		Sink:   &rwcSink{rwc: rwc},
		Abort: func(err error) {
			once.Do(func() {
				if r, ok := rwc.(resetter); ok && err != nil {
					_ = r.Reset()
					return
				}
				_ = rwc.Close()
			})
		},
	}
}

// rwcSink half-closes on End and never fully closes the stream, the read
// half stays usable until the peer ends it.
type rwcSink struct {
	rwc io.ReadWriteCloser
}

func (s *rwcSink) Push(ctx context.Context, chunk []byte) error {
	_, err := s.rwc.Write(chunk)
	return err
}

func (s *rwcSink) End(ctx context.Context) error {
	if cw, ok := s.rwc.(closeWriter); ok {
		err := cw.CloseWrite()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// SliceSource returns a Source yielding the given chunks in order.
func SliceSource(chunks ...[]byte) Source {
	return &sliceSource{chunks: chunks}
}

type sliceSource struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *sliceSource) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}
