package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/codewiresh/guestlink/internal/connection"
	"github.com/codewiresh/guestlink/internal/protocol"
)

// router is the single owner of the physical connection. Only its run
// goroutine writes to conn; one reader goroutine decodes from it.
type router struct {
	role    Role
	conn    io.ReadWriteCloser
	rpc     *connection.MessageEnd // wire-side end
	daemon  *connection.StreamEnd  // wire-side end
	handle  *ConnectionHandle
	pings   *signal
	session *Session
	log     *slog.Logger
}

type frameOrError struct {
	frame protocol.Frame
	err   error
}

// inbox buffers decoded frames without bound. The reader never waits on the
// router, so the link keeps draining while a write is blocked.
type inbox struct {
	mu     sync.Mutex
	items  []frameOrError
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (in *inbox) push(fe frameOrError) {
	in.mu.Lock()
	in.items = append(in.items, fe)
	in.mu.Unlock()
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *inbox) drain() []frameOrError {
	in.mu.Lock()
	defer in.mu.Unlock()
	items := in.items
	in.items = nil
	return items
}

func (r *router) run(announce bool) {
	ctx, cancel := context.WithCancel(context.Background())

	frames := newInbox()
	go r.readFrames(frames)

	outMsgs := make(chan *protocol.Envelope)
	go r.pumpMessages(ctx, outMsgs)

	outChunks := make(chan []byte)
	go r.pumpChunks(ctx, outChunks)

	if r.role == RoleClient || announce {
		r.pings.add()
	}

	err := r.loop(frames, outMsgs, outChunks)
	if err != nil && r.session.closing.Load() {
		r.log.Debug("link error after close", "err", err)
		err = nil
	}

	cancel()
	r.rpc.Close()
	r.daemon.Close()
	r.conn.Close()

	if err != nil {
		r.log.Error("session ended", "err", err)
	} else {
		r.log.Info("session ended")
	}
	r.session.finish(err)
}

func (r *router) loop(frames *inbox, outMsgs <-chan *protocol.Envelope, outChunks <-chan []byte) error {
	for {
		select {
		case <-frames.notify:
			for _, fe := range frames.drain() {
				if fe.err != nil {
					if errors.Is(fe.err, io.EOF) {
						return nil
					}
					return fmt.Errorf("reading link: %w", fe.err)
				}
				done, err := r.handleFrame(fe.frame)
				if err != nil || done {
					return err
				}
			}

		case <-r.pings.notify:
			for n := r.pings.take(); n > 0; n-- {
				if err := r.write(protocol.Handshake()); err != nil {
					return err
				}
			}

		case env, ok := <-outMsgs:
			if !ok {
				r.log.Debug("runner channel closed")
				return nil
			}
			b, err := protocol.MarshalEnvelope(env)
			if err != nil {
				return fmt.Errorf("encoding runner message: %w", err)
			}
			if err := r.write(protocol.RunnerMessage(b)); err != nil {
				return err
			}

		case chunk, ok := <-outChunks:
			if !ok {
				r.log.Debug("daemon stream closed, sending eof")
				return r.write(protocol.DaemonRelay(nil))
			}
			if err := r.write(protocol.DaemonRelay(chunk)); err != nil {
				return err
			}
		}
	}
}

// handleFrame reacts to one decoded frame. done reports a clean end.
func (r *router) handleFrame(f protocol.Frame) (done bool, err error) {
	r.session.stats.in(f)

	switch f.Kind {
	case protocol.KindHandshake:
		if r.role == RoleServer {
			r.pings.add()
		}
		if r.handle.markConnected() {
			r.log.Info("peer connected")
		}

	case protocol.KindRunner:
		env, err := protocol.UnmarshalEnvelope(f.Payload)
		if err != nil {
			return false, fmt.Errorf("decoding runner message: %w", err)
		}
		if err := r.rpc.Send(env); err != nil {
			r.log.Debug("runner consumer gone", "err", err)
			return true, nil
		}

	case protocol.KindDaemon:
		if f.IsDaemonEOF() {
			r.log.Debug("daemon stream eof from peer")
			r.daemon.CloseWrite()
			return false, nil
		}
		if _, err := r.daemon.Write(f.Payload); err != nil {
			r.log.Debug("dropping daemon chunk", "bytes", len(f.Payload), "err", err)
		}
	}
	return false, nil
}

func (r *router) write(f protocol.Frame) error {
	if err := protocol.WriteFrame(r.conn, f); err != nil {
		return err
	}
	r.session.stats.out(f)
	return nil
}

// readFrames runs until the link fails or reaches EOF. Closing conn stops it.
func (r *router) readFrames(out *inbox) {
	fr := protocol.NewFrameReader(r.conn)
	fr.SetNoiseHandler(func(b []byte) {
		r.session.stats.noise.Add(uint64(len(b)))
		if text := consoleText(b); text != "" {
			r.log.Debug("console", "text", text)
		}
	})
	for {
		f, err := fr.ReadFrame()
		out.push(frameOrError{frame: f, err: err})
		if err != nil {
			return
		}
	}
}

func (r *router) pumpMessages(ctx context.Context, out chan<- *protocol.Envelope) {
	for {
		env, err := r.rpc.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				close(out)
			}
			return
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (r *router) pumpChunks(ctx context.Context, out chan<- []byte) {
	for {
		chunk, err := r.daemon.ReadChunk(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				close(out)
			}
			return
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}
