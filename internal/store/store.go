// Package store keeps the history of link sessions. The default
// implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// SessionRecord is one link session as recorded by the CLI.
type SessionRecord struct {
	ID        string     `json:"id" yaml:"id"`
	Role      string     `json:"role" yaml:"role"`           // "server" or "client"
	Transport string     `json:"transport" yaml:"transport"` // "serial", "websocket", "pty"
	Link      string     `json:"link" yaml:"link"`           // device path or URL
	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	Counters  `yaml:",inline"`
}

// Counters are the traffic totals of a session.
type Counters struct {
	Synced    bool   `json:"synced" yaml:"synced"`
	FramesIn  uint64 `json:"frames_in" yaml:"frames_in"`
	FramesOut uint64 `json:"frames_out" yaml:"frames_out"`
	BytesIn   uint64 `json:"bytes_in" yaml:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out" yaml:"bytes_out"`

	// NoiseBytes is console output discarded before the first frame.
	NoiseBytes uint64 `json:"noise_bytes" yaml:"noise_bytes"`
}

// Store is the session history interface. All methods are safe for
// concurrent use.
type Store interface {
	SessionStart(ctx context.Context, rec SessionRecord) error
	// SessionEnd marks a session finished. errMsg is empty for a clean end.
	SessionEnd(ctx context.Context, id string, endedAt time.Time, errMsg string, c Counters) error
	SessionGet(ctx context.Context, id string) (*SessionRecord, error)
	// SessionList returns the most recent sessions first. limit <= 0 means all.
	SessionList(ctx context.Context, limit int) ([]SessionRecord, error)
	// SessionPrune deletes finished sessions that ended before cutoff.
	SessionPrune(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
