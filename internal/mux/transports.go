package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/codewiresh/guestlink/internal/connection"
)

// Transports are the consumer-side ends of a session's logical channels.
type Transports struct {
	// RPC carries runner envelopes.
	RPC *connection.MessageEnd
	// Daemon is the relayed daemon byte stream. Closing its write side ends
	// the session after an EOF frame is sent.
	Daemon *connection.StreamEnd
	Handle *ConnectionHandle
}

func start(conn io.ReadWriteCloser, role Role, o options) (*Transports, *Session) {
	rpcWire, rpcUser := connection.NewMessagePipe()
	daemonWire, daemonUser := connection.NewStreamPipe()

	sess := newSession(o.id, role, conn)
	pings := newSignal()
	handle := newConnectionHandle(pings, sess.done)

	r := &router{
		role:    role,
		conn:    conn,
		rpc:     rpcWire,
		daemon:  daemonWire,
		handle:  handle,
		pings:   pings,
		session: sess,
		log:     o.logger.With("session", o.id.String(), "role", role.String()),
	}
	go r.run(o.announce)

	return &Transports{RPC: rpcUser, Daemon: daemonUser, Handle: handle}, sess
}

// ServeTransports starts a server-side session over conn and returns
// immediately. The session owns conn and closes it when it ends.
func ServeTransports(conn io.ReadWriteCloser, opts ...Option) (*Transports, *Session) {
	return start(conn, RoleServer, buildOptions(opts))
}

// DialTransports starts a client-side session over conn and waits up to
// timeout for the peer to answer the initial handshake. A timeout of zero
// waits until ctx is done.
//
// On error the session is returned as well; it keeps running until the
// caller closes it.
func DialTransports(ctx context.Context, conn io.ReadWriteCloser, timeout time.Duration, opts ...Option) (*Transports, *Session, error) {
	o := buildOptions(opts)
	t, sess := start(conn, RoleClient, o)

	var (
		waitCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		waitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if o.reping > 0 {
		go reping(waitCtx, t.Handle, o.reping)
	}

	err := t.Handle.WaitConnected(waitCtx)
	switch {
	case err == nil:
		return t, sess, nil
	case errors.Is(err, ErrSessionEnded):
		if sessErr := sess.Err(); sessErr != nil {
			return t, sess, fmt.Errorf("link closed before handshake: %w", sessErr)
		}
		return t, sess, fmt.Errorf("link closed before handshake: %w", err)
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return t, sess, fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
	default:
		return t, sess, err
	}
}

func reping(ctx context.Context, h *ConnectionHandle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ready := h.Ready()
	for {
		select {
		case <-ready:
			return
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.Ping()
		}
	}
}
