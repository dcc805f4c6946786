package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/codewiresh/guestlink/internal/config"
	"github.com/codewiresh/guestlink/internal/mux"
	"github.com/codewiresh/guestlink/internal/serial"
	"github.com/codewiresh/guestlink/internal/store"
)

// linkFlags override the [link] section of the config.
type linkFlags struct {
	transport string
	device    string
	url       string
}

func (f *linkFlags) apply(c *config.Config) error {
	if f.transport != "" {
		c.Link.Transport = f.transport
	}
	if f.device != "" {
		c.Link.Device = f.device
	}
	if f.url != "" {
		c.Link.URL = &f.url
	}
	return c.Validate()
}

// openLink opens the physical link described by lc. It returns the stream
// and a description for the history store.
func openLink(ctx context.Context, lc config.LinkConfig) (io.ReadWriteCloser, string, error) {
	switch lc.Transport {
	case config.TransportSerial:
		dev, err := serial.OpenWithRetry(ctx, lc.Device, lc.OpenTimeout.Duration)
		if err != nil {
			return nil, "", err
		}
		slog.Info("serial link open", "device", dev.Path(), "tty", dev.IsTerminal())
		return dev, dev.Path(), nil

	case config.TransportWebSocket:
		if lc.URL == nil {
			return nil, "", errors.New("websocket transport needs link.url to dial")
		}
		dialCtx, cancel := context.WithTimeout(ctx, lc.OpenTimeout.Duration)
		defer cancel()
		conn, err := serial.DialWebSocket(dialCtx, *lc.URL, nil)
		if err != nil {
			return nil, "", err
		}
		slog.Info("websocket link open", "url", *lc.URL)
		return conn, *lc.URL, nil

	default:
		return nil, "", fmt.Errorf("unknown transport %q", lc.Transport)
	}
}

// recorder writes session start and end to the history store. A nil store
// disables recording.
type recorder struct {
	st store.Store
}

func openRecorder() *recorder {
	st, err := store.NewSQLiteStore(dataDir())
	if err != nil {
		slog.Warn("session history disabled", "err", err)
		return &recorder{}
	}
	return &recorder{st: st}
}

func (r *recorder) start(sess *mux.Session, transport, link string) {
	if r.st == nil {
		return
	}
	err := r.st.SessionStart(context.Background(), store.SessionRecord{
		ID:        sess.ID().String(),
		Role:      sess.Role().String(),
		Transport: transport,
		Link:      link,
		StartedAt: sess.StartedAt(),
	})
	if err != nil {
		slog.Warn("failed to record session", "err", err)
	}
}

// end records the outcome of a finished session.
func (r *recorder) end(sess *mux.Session) {
	if r.st == nil {
		return
	}
	var msg string
	if err := sess.Err(); err != nil {
		msg = err.Error()
	}
	st := sess.Stats()
	total := st.Total()
	c := store.Counters{
		Synced:    st.Synced,
		FramesIn:  total.FramesIn,
		FramesOut: total.FramesOut,
		BytesIn:   total.BytesIn,
		BytesOut:  total.BytesOut,

		NoiseBytes: st.NoiseBytes,
	}
	if err := r.st.SessionEnd(context.Background(), sess.ID().String(), time.Now(), msg, c); err != nil {
		slog.Warn("failed to record session end", "err", err)
	}
}

func (r *recorder) Close() {
	if r.st != nil {
		r.st.Close()
	}
}
