package serial

import (
	"fmt"

	"github.com/creack/pty"
)

// OpenPTYPair opens a pty and returns both ends in raw mode. Bytes written
// to one end are read unchanged from the other, which makes the pair a
// serial loopback for local testing.
func OpenPTYPair() (master, slave *Device, err error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening pty: %w", err)
	}

	slave, err = newDevice(tty, tty.Name())
	if err != nil {
		ptmx.Close()
		tty.Close()
		return nil, nil, err
	}
	master, err = newDevice(ptmx, ptmx.Name())
	if err != nil {
		ptmx.Close()
		slave.Close()
		return nil, nil, err
	}
	return master, slave, nil
}
