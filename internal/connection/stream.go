package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MaxChunk bounds the size of a single chunk handed to the peer. Larger
// writes are split.
const MaxChunk = 1 << 20

var errDeadline = errors.New("deadline exceeded")

// StreamEnd is one end of an in-process byte duplex. Each Write becomes one
// chunk on the peer side (split at MaxChunk), so chunk boundaries survive
// for consumers that read with ReadChunk. It implements net.Conn.
type StreamEnd struct {
	in  *queue[[]byte]
	out *queue[[]byte]

	rmu  sync.Mutex // serializes readers and guards rest
	rest []byte

	readDeadline  deadline
	writeDeadline deadline

	closed    atomic.Bool
	closeOnce sync.Once
	name      string
}

// NewStreamPipe returns two connected stream ends.
func NewStreamPipe() (*StreamEnd, *StreamEnd) {
	ab := newQueue[[]byte]()
	ba := newQueue[[]byte]()
	a := &StreamEnd{in: ba, out: ab, name: "relay-a", readDeadline: makeDeadline(), writeDeadline: makeDeadline()}
	b := &StreamEnd{in: ab, out: ba, name: "relay-b", readDeadline: makeDeadline(), writeDeadline: makeDeadline()}
	return a, b
}

// Read reads bytes from the peer. It returns io.EOF after the peer has
// closed its write side and every chunk has been consumed.
func (s *StreamEnd) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.rest) == 0 {
		chunk, err := s.in.pop(context.Background(), s.readDeadline.wait())
		if err != nil {
			return 0, s.readErr(err)
		}
		s.rest = chunk
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// ReadChunk returns the next chunk exactly as the peer wrote it.
func (s *StreamEnd) ReadChunk(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	if len(s.rest) > 0 {
		chunk := s.rest
		s.rest = nil
		return chunk, nil
	}
	chunk, err := s.in.pop(ctx, s.readDeadline.wait())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, s.readErr(err)
	}
	return chunk, nil
}

func (s *StreamEnd) readErr(err error) error {
	switch {
	case errors.Is(err, errDeadline):
		return os.ErrDeadlineExceeded
	case s.closed.Load():
		return io.ErrClosedPipe
	default:
		return err
	}
}

// Write queues p for the peer. It does not block on the reader. Empty
// writes are dropped since an empty chunk means end of stream on the link.
func (s *StreamEnd) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	select {
	case <-s.writeDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	default:
	}

	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxChunk)
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		if err := s.out.push(chunk); err != nil {
			return written, io.ErrClosedPipe
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// CloseWrite signals end of stream to the peer. Reads are unaffected.
func (s *StreamEnd) CloseWrite() error {
	s.out.close()
	return nil
}

// Close shuts both directions.
func (s *StreamEnd) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.out.close()
		s.in.discard()
	})
	return nil
}

func (s *StreamEnd) LocalAddr() net.Addr  { return relayAddr(s.name) }
func (s *StreamEnd) RemoteAddr() net.Addr { return relayAddr(s.name) }

func (s *StreamEnd) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

func (s *StreamEnd) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

func (s *StreamEnd) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}

var _ net.Conn = (*StreamEnd)(nil)

type relayAddr string

func (a relayAddr) Network() string { return "guestlink" }
func (a relayAddr) String() string  { return string(a) }

// deadline is a resettable timer whose channel closes when it fires.
// Same scheme as net.Pipe.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func makeDeadline() deadline {
	return deadline{cancel: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // timer fired; wait for the callback to close cancel
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	if !closed {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
