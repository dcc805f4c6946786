// Package rpc implements request/response calls between the host test
// runner and the guest over a connection.MessageChannel.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/codewiresh/guestlink/internal/connection"
	"github.com/codewiresh/guestlink/internal/protocol"
)

// ErrClientClosed is returned for calls that cannot complete because the
// client or its channel has gone away.
var ErrClientClosed = errors.New("rpc: client closed")

// Readiness is the link liveness signal a client waits on before calling.
// *mux.ConnectionHandle implements it.
type Readiness interface {
	WaitConnected(ctx context.Context) error
	ResetConnected()
}

// Client issues calls and routes responses back to their callers by id.
type Client struct {
	ch    connection.MessageChannel
	ready Readiness
	log   *slog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex // protects pending and err
	pending map[uint64]chan *protocol.Response
	err     error

	done   chan struct{}
	cancel context.CancelFunc
}

// NewClient starts a client on ch. ready may be nil when the link is known
// to be up.
func NewClient(ch connection.MessageChannel, ready Readiness) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ch:      ch,
		ready:   ready,
		log:     slog.Default().With("component", "rpc-client"),
		pending: make(map[uint64]chan *protocol.Response),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go c.recvLoop(ctx)
	return c
}

func (c *Client) recvLoop(ctx context.Context) {
	defer close(c.done)
	for {
		env, err := c.ch.Recv(ctx)
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %w", ErrClientClosed, err)
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		if env.Response == nil {
			c.log.Warn("ignoring non-response envelope")
			continue
		}
		resp := env.Response
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Warn("no pending call for response", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Call invokes method with params and decodes the result into result, which
// may be nil. A remote failure is returned as *protocol.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := &protocol.Request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		b, err := cbor.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = b
	}

	respCh := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = respCh
	c.mu.Unlock()

	if err := c.ch.Send(&protocol.Envelope{Request: req}); err != nil {
		c.forget(req.ID)
		return fmt.Errorf("sending %s: %w", method, errors.Join(ErrClientClosed, err))
	}

	var resp *protocol.Response
	select {
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	case r, ok := <-respCh:
		if !ok {
			return fmt.Errorf("waiting for %s: %w", method, c.closedErr())
		}
		resp = r
	}

	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := cbor.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClientClosed
}

// WaitForServer blocks until the link handshake has completed.
func (c *Client) WaitForServer(ctx context.Context) error {
	if c.ready == nil {
		return nil
	}
	return c.ready.WaitConnected(ctx)
}

// ResetConnectedState re-arms the liveness signal so the next WaitForServer
// waits for a fresh handshake, e.g. from a rebooted guest.
func (c *Client) ResetConnectedState() {
	if c.ready != nil {
		c.ready.ResetConnected()
	}
}

// Done is closed once the client can no longer receive responses.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the channel and fails pending calls.
func (c *Client) Close() error {
	err := c.ch.Close()
	c.cancel()
	<-c.done
	return err
}
