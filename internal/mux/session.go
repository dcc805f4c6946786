package mux

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codewiresh/guestlink/internal/protocol"
)

// Session is the completion handle of a running router.
type Session struct {
	id        uuid.UUID
	role      Role
	startedAt time.Time
	conn      io.Closer

	done    chan struct{}
	err     error // set before done is closed
	stats   counters
	closing atomic.Bool
}

func newSession(id uuid.UUID, role Role, conn io.Closer) *Session {
	return &Session{
		id:        id,
		role:      role,
		startedAt: time.Now(),
		conn:      conn,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) Role() Role           { return s.role }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done returns a channel closed when the router has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended: nil for a clean end, or while
// the session is still running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session ends and returns its error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the physical connection, which stops the router. Link errors
// caused by the close end the session without an error.
func (s *Session) Close() error {
	s.closing.Store(true)
	return s.conn.Close()
}

// Stats returns a snapshot of the frame counters.
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

func (s *Session) finish(err error) {
	s.err = err
	close(s.done)
}

// KindStats counts traffic for one frame kind.
type KindStats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Stats describes the traffic of a session. Byte counts are payload bytes.
type Stats struct {
	Handshake KindStats
	Runner    KindStats
	Daemon    KindStats
	Synced    bool

	// NoiseBytes counts console output discarded before the first frame.
	NoiseBytes uint64
}

// Total sums the counters of all kinds.
func (s Stats) Total() KindStats {
	var t KindStats
	for _, k := range []KindStats{s.Handshake, s.Runner, s.Daemon} {
		t.FramesIn += k.FramesIn
		t.FramesOut += k.FramesOut
		t.BytesIn += k.BytesIn
		t.BytesOut += k.BytesOut
	}
	return t
}

type kindCounters struct {
	framesIn, framesOut atomic.Uint64
	bytesIn, bytesOut   atomic.Uint64
}

type counters struct {
	kinds  [3]kindCounters
	synced atomic.Bool
	noise  atomic.Uint64
}

func (c *counters) in(f protocol.Frame) {
	c.synced.Store(true)
	if int(f.Kind) < len(c.kinds) {
		k := &c.kinds[f.Kind]
		k.framesIn.Add(1)
		k.bytesIn.Add(uint64(len(f.Payload)))
	}
}

func (c *counters) out(f protocol.Frame) {
	if int(f.Kind) < len(c.kinds) {
		k := &c.kinds[f.Kind]
		k.framesOut.Add(1)
		k.bytesOut.Add(uint64(len(f.Payload)))
	}
}

func (c *counters) snapshot() Stats {
	load := func(k *kindCounters) KindStats {
		return KindStats{
			FramesIn:  k.framesIn.Load(),
			FramesOut: k.framesOut.Load(),
			BytesIn:   k.bytesIn.Load(),
			BytesOut:  k.bytesOut.Load(),
		}
	}
	return Stats{
		Handshake: load(&c.kinds[protocol.KindHandshake]),
		Runner:    load(&c.kinds[protocol.KindRunner]),
		Daemon:    load(&c.kinds[protocol.KindDaemon]),
		Synced:    c.synced.Load(),

		NoiseBytes: c.noise.Load(),
	}
}
