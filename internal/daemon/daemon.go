// Package daemon bridges the relayed byte stream to the VPN daemon's
// management protocol: the guest forwards it to the daemon socket, the host
// speaks gRPC over it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DialFunc connects to the daemon's management endpoint.
type DialFunc func(ctx context.Context) (net.Conn, error)

// DialUnix dials a unix socket at path.
func DialUnix(path string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// DialTCP dials addr over TCP.
func DialTCP(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

type closeWriter interface {
	CloseWrite() error
}

// ForwardOptions tunes Forward.
type ForwardOptions struct {
	// DialTimeout bounds retries of the first dial. Zero means 30s.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Forward copies stream to and from the daemon. The daemon is dialed when
// the first bytes arrive, retrying with backoff while it is not up yet.
// Half-closes are propagated both ways. Forward returns once both
// directions are done or ctx ends.
func Forward(ctx context.Context, stream net.Conn, dial DialFunc, opts ForwardOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	first := make([]byte, 32*1024)
	n, err := stream.Read(first)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reading relay stream: %w", err)
	}

	daemonConn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		c, err := dial(ctx)
		if err != nil && errors.Is(err, os.ErrPermission) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("daemon not reachable, retrying", "err", err, "in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}
	defer daemonConn.Close()
	log.Info("daemon relay connected", "remote", daemonConn.RemoteAddr())

	if _, err := daemonConn.Write(first[:n]); err != nil {
		return fmt.Errorf("writing to daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		daemonConn.Close()
		stream.Close()
	}()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		copyErr error
	)
	pipe := func(dst, src net.Conn, dir string) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
		if err != nil && ctx.Err() == nil {
			errOnce.Do(func() { copyErr = fmt.Errorf("copying %s: %w", dir, err) })
			cancel()
		}
	}

	wg.Add(2)
	go pipe(daemonConn, stream, "relay to daemon")
	go pipe(stream, daemonConn, "daemon to relay")
	wg.Wait()

	if copyErr != nil {
		return copyErr
	}
	return ctx.Err()
}
