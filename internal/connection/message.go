package connection

import (
	"context"
	"sync"

	"github.com/codewiresh/guestlink/internal/protocol"
)

// MessageEnd is one end of a message pipe. It is safe for one sender and one
// receiver to use concurrently.
type MessageEnd struct {
	in        *queue[*protocol.Envelope]
	out       *queue[*protocol.Envelope]
	closeOnce sync.Once
}

// NewMessagePipe returns two connected ends. Envelopes sent on one end are
// received in order on the other. Queues are unbounded.
func NewMessagePipe() (*MessageEnd, *MessageEnd) {
	ab := newQueue[*protocol.Envelope]()
	ba := newQueue[*protocol.Envelope]()
	return &MessageEnd{in: ba, out: ab}, &MessageEnd{in: ab, out: ba}
}

// Send queues env for the peer. It never blocks.
func (m *MessageEnd) Send(env *protocol.Envelope) error {
	return m.out.push(env)
}

// Recv returns the next envelope from the peer.
func (m *MessageEnd) Recv(ctx context.Context) (*protocol.Envelope, error) {
	return m.in.pop(ctx, nil)
}

// Close ends both directions. The peer still receives envelopes sent before
// Close, then io.EOF; its sends fail with ErrClosed.
func (m *MessageEnd) Close() error {
	m.closeOnce.Do(func() {
		m.out.close()
		m.in.discard()
	})
	return nil
}

var _ MessageChannel = (*MessageEnd)(nil)
