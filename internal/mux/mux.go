// Package mux runs the link router: one physical byte stream carrying the
// handshake, runner RPC and daemon relay channels.
package mux

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Role selects the handshake behavior of a session.
type Role int

const (
	// RoleServer echoes every handshake it receives. Runs on the guest.
	RoleServer Role = iota
	// RoleClient pings once at start and waits for a reply. Runs on the host.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

var (
	// ErrHandshakeTimeout is returned by DialTransports when the peer does
	// not answer the initial handshake in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrSessionEnded is returned by WaitConnected when the session finishes
	// before a handshake arrives.
	ErrSessionEnded = errors.New("session ended")
)

// Option configures a session.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	id       uuid.UUID
	announce bool
	reping   time.Duration
}

// WithLogger sets the logger used by the router. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id uuid.UUID) Option {
	return func(o *options) { o.id = id }
}

// WithoutAnnounce stops a server session from sending its start-up
// handshake. It then only answers pings.
func WithoutAnnounce() Option {
	return func(o *options) { o.announce = false }
}

// WithReping makes DialTransports resend the handshake every interval until
// the peer answers. A guest that is still booting can miss the first one.
func WithReping(interval time.Duration) Option {
	return func(o *options) { o.reping = interval }
}

func buildOptions(opts []Option) options {
	o := options{announce: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	return o
}
