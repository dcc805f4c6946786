package mux

import (
	"context"
	"sync"
)

// ConnectionHandle reports whether the peer has answered a handshake.
// The ready signal fires once; later handshakes are no-ops until
// ResetConnected re-arms it.
type ConnectionHandle struct {
	mu        sync.Mutex
	connected bool
	ready     chan struct{} // closed when connected, replaced on reset

	pings *signal
	done  <-chan struct{}
}

func newConnectionHandle(pings *signal, done <-chan struct{}) *ConnectionHandle {
	return &ConnectionHandle{
		ready: make(chan struct{}),
		pings: pings,
		done:  done,
	}
}

// Ready returns a channel closed once the peer is connected. After a reset
// call Ready again for the new signal.
func (h *ConnectionHandle) Ready() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// IsConnected reports whether the ready signal has fired.
func (h *ConnectionHandle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// WaitConnected blocks until the peer is connected, ctx is done or the
// session ends.
func (h *ConnectionHandle) WaitConnected(ctx context.Context) error {
	ready := h.Ready()
	select {
	case <-ready:
		return nil
	default:
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		select {
		case <-ready:
			return nil
		default:
			return ErrSessionEnded
		}
	}
}

// ResetConnected clears the connected state. The next handshake from the
// peer fires Ready again. Use it before an action that restarts the peer.
func (h *ConnectionHandle) ResetConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected {
		h.connected = false
		h.ready = make(chan struct{})
	}
}

// Ping schedules one outgoing handshake.
func (h *ConnectionHandle) Ping() {
	h.pings.add()
}

func (h *ConnectionHandle) markConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected {
		return false
	}
	h.connected = true
	close(h.ready)
	return true
}

// signal is an unbounded counter of pending handshake sends.
type signal struct {
	mu      sync.Mutex
	pending int
	notify  chan struct{}
}

func newSignal() *signal {
	return &signal{notify: make(chan struct{}, 1)}
}

func (s *signal) add() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// take returns and clears the pending count.
func (s *signal) take() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending
	s.pending = 0
	return n
}
