// Package serial opens the physical link: a serial or virtio console
// device, a pty pair, or a WebSocket-tunnelled console.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/term"
)

// Device is an open character device in raw mode.
type Device struct {
	f        *os.File
	path     string
	fd       int
	oldState *term.State // nil when the device is not a terminal
}

// OpenDevice opens path read-write without making it the controlling
// terminal and switches it to raw mode when it is a tty.
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	d, err := newDevice(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(f *os.File, path string) (*Device, error) {
	d := &Device{f: f, path: path, fd: -1}

	// Fd() would switch the file to blocking mode; Control keeps it pollable
	// so Close can interrupt a pending Read.
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	var rawErr error
	if err := rc.Control(func(fd uintptr) {
		d.fd = int(fd)
		if !term.IsTerminal(d.fd) {
			return
		}
		d.oldState, rawErr = term.MakeRaw(d.fd)
	}); err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if rawErr != nil {
		return nil, fmt.Errorf("setting %s to raw mode: %w", path, rawErr)
	}
	return d, nil
}

// Path returns the device path.
func (d *Device) Path() string { return d.path }

// IsTerminal reports whether the device was put in raw mode.
func (d *Device) IsTerminal() bool { return d.oldState != nil }

// Read reads from the device. A hung-up pty (EIO) reads as io.EOF.
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.f.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (d *Device) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

// Close restores the terminal mode and closes the device.
func (d *Device) Close() error {
	if d.oldState != nil {
		term.Restore(d.fd, d.oldState)
	}
	return d.f.Close()
}

// OpenWithRetry opens path, retrying with exponential backoff while the
// device does not exist yet or is busy. Permission errors are not retried.
func OpenWithRetry(ctx context.Context, path string, maxElapsed time.Duration) (*Device, error) {
	return backoff.Retry(ctx, func() (*Device, error) {
		d, err := OpenDevice(path)
		if err != nil && errors.Is(err, fs.ErrPermission) {
			return nil, backoff.Permanent(err)
		}
		return d, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}
