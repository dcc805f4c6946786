package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/codewiresh/guestlink/internal/protocol"
)

// Runner service methods.
const (
	MethodEcho   = "runner.echo"
	MethodOSInfo = "runner.os_info"
	MethodReboot = "runner.reboot"
)

type EchoParams struct {
	Message string `cbor:"message"`
}

type EchoResult struct {
	Message string `cbor:"message"`
}

// OSInfo describes the guest.
type OSInfo struct {
	Hostname string `cbor:"hostname"`
	OS       string `cbor:"os"`
	Arch     string `cbor:"arch"`
	Version  string `cbor:"version"`
}

// RunnerInfo configures the guest-side runner service.
type RunnerInfo struct {
	OSInfo

	// Reboot restarts the guest. Nil disables runner.reboot.
	Reboot func(ctx context.Context) error
	// RebootDelay leaves time for the reply to reach the host before the
	// reboot starts. Defaults to 500ms.
	RebootDelay time.Duration
}

// RegisterRunnerService installs the runner.* methods on srv.
func RegisterRunnerService(srv *Server, info RunnerInfo) {
	srv.Handle(MethodEcho, func(ctx context.Context, params cbor.RawMessage) (any, error) {
		var p EchoParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return EchoResult{Message: p.Message}, nil
	})

	srv.Handle(MethodOSInfo, func(ctx context.Context, params cbor.RawMessage) (any, error) {
		return info.OSInfo, nil
	})

	srv.Handle(MethodReboot, func(ctx context.Context, params cbor.RawMessage) (any, error) {
		if info.Reboot == nil {
			return nil, &protocol.RPCError{Code: protocol.CodeInternal, Message: "reboot not supported"}
		}
		delay := info.RebootDelay
		if delay <= 0 {
			delay = 500 * time.Millisecond
		}
		time.AfterFunc(delay, func() {
			if err := info.Reboot(context.Background()); err != nil {
				slog.Error("reboot failed", "err", err)
			}
		})
		return struct{}{}, nil
	})
}

// Echo round-trips msg through the guest.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	var res EchoResult
	if err := c.Call(ctx, MethodEcho, EchoParams{Message: msg}, &res); err != nil {
		return "", err
	}
	return res.Message, nil
}

// OSInfo asks the guest to describe itself.
func (c *Client) OSInfo(ctx context.Context) (*OSInfo, error) {
	var info OSInfo
	if err := c.Call(ctx, MethodOSInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Reboot asks the guest to restart. The liveness signal is reset first, so
// WaitForServer afterwards waits for the rebooted guest.
func (c *Client) Reboot(ctx context.Context) error {
	c.ResetConnectedState()
	return c.Call(ctx, MethodReboot, nil, nil)
}
