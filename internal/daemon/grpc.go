package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrStreamConsumed is returned when gRPC tries to reconnect over a relay
// stream it has already used.
var ErrStreamConsumed = errors.New("daemon: relay stream already used")

const relayTarget = "passthrough:///daemon-relay"

func oneShotDialer(stream net.Conn) func(context.Context, string) (net.Conn, error) {
	var used atomic.Bool
	return func(context.Context, string) (net.Conn, error) {
		if !used.CompareAndSwap(false, true) {
			return nil, ErrStreamConsumed
		}
		return stream, nil
	}
}

// ClientConn returns a gRPC client connection whose only transport is the
// relayed stream. The stream cannot be redialed, so once it breaks every
// call fails with codes.Unavailable.
func ClientConn(stream net.Conn, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithContextDialer(oneShotDialer(stream)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	cc, err := grpc.NewClient(relayTarget, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating relay client: %w", err)
	}
	return cc, nil
}

// CheckHealth runs the standard gRPC health check for service ("" for the
// whole server) over cc.
func CheckHealth(ctx context.Context, cc grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// Listener returns a net.Listener that hands out stream once. It lets a
// gRPC server in this process sit directly behind the relay.
func Listener(stream net.Conn) net.Listener {
	l := &streamListener{
		conns:  make(chan net.Conn, 1),
		closed: make(chan struct{}),
		addr:   stream.LocalAddr(),
	}
	l.conns <- stream
	return l
}

type streamListener struct {
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	addr      net.Addr
}

func (l *streamListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *streamListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *streamListener) Addr() net.Addr { return l.addr }
