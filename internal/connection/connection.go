// Package connection provides the in-process logical channels that carry
// multiplexed traffic between the link router and its consumers.
package connection

import (
	"context"
	"errors"

	"github.com/codewiresh/guestlink/internal/protocol"
)

// ErrClosed is returned when sending on a channel whose end has been closed.
var ErrClosed = errors.New("connection: channel closed")

// MessageChannel carries whole runner envelopes in both directions.
// Recv returns io.EOF once the peer has closed and all queued envelopes
// have been delivered.
type MessageChannel interface {
	Send(env *protocol.Envelope) error
	Recv(ctx context.Context) (*protocol.Envelope, error)
	Close() error
}
