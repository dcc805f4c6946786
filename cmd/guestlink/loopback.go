package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/codewiresh/guestlink/internal/config"
	"github.com/codewiresh/guestlink/internal/mux"
	"github.com/codewiresh/guestlink/internal/rpc"
	"github.com/codewiresh/guestlink/internal/serial"
)

// bootNoise is written ahead of the first handshake to mimic a guest console
// that is still printing kernel messages.
const bootNoise = "[    0.000000] Linux version 6.1.0 (loopback)\r\n^@^@login: \r\n"

func loopbackCmd() *cobra.Command {
	var (
		count int
		noise bool
	)

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run host and guest over a local pty pair",
		Long: `Connects a guest and a host session through a pseudo-terminal pair,
with a local gRPC health server standing in for the VPN daemon. Useful to
check the link stack on a machine without VMs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rec := openRecorder()
			defer rec.Close()
			return runLoopback(ctx, cfg, rec, count, noise)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "Number of echo calls")
	cmd.Flags().BoolVar(&noise, "noise", true, "Write console noise before the first handshake")
	return cmd
}

// runLoopback serves a guest session on one end of a pty pair and drives it
// from a host session on the other.
func runLoopback(ctx context.Context, base *config.Config, rec *recorder, count int, noise bool) error {
	master, slave, err := serial.OpenPTYPair()
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "guestlink-loopback-")
	if err != nil {
		master.Close()
		slave.Close()
		return err
	}
	defer os.RemoveAll(dir)

	socket := filepath.Join(dir, "daemon.sock")
	stopDaemon, err := startHealthDaemon(socket)
	if err != nil {
		master.Close()
		slave.Close()
		return err
	}
	defer stopDaemon()

	gcfg := *base
	gcfg.Link.Transport = "pty"
	gcfg.Daemon.Socket = socket
	gcfg.Daemon.Address = nil
	gcfg.Runner.RebootCommand = nil
	g := &guest{cfg: &gcfg, rec: rec}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.serve(ctx, master, master.Path()); err != nil {
			slog.Warn("guest session failed", "err", err)
		}
	}()
	defer wg.Wait()

	if noise {
		if _, err := slave.Write([]byte(bootNoise)); err != nil {
			slave.Close()
			return fmt.Errorf("writing boot noise: %w", err)
		}
	}
	return runLoopbackHost(ctx, slave, rec, count)
}

func runLoopbackHost(ctx context.Context, link *serial.Device, rec *recorder, count int) error {
	t, sess, err := mux.DialTransports(ctx, link, 5*time.Second, mux.WithReping(time.Second))
	rec.start(sess, "pty", link.Path())
	defer func() {
		sess.Close()
		<-sess.Done()
		rec.end(sess)
	}()
	if err != nil {
		return err
	}

	client := rpc.NewClient(t.RPC, t.Handle)
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	for i := range count {
		msg := fmt.Sprintf("ping %d", i)
		got, err := client.Echo(callCtx, msg)
		if err != nil {
			return fmt.Errorf("echo %d: %w", i, err)
		}
		if got != msg {
			return fmt.Errorf("echo %d: got %q, want %q", i, got, msg)
		}
	}
	elapsed := time.Since(start)

	info, err := client.OSInfo(callCtx)
	if err != nil {
		return fmt.Errorf("os_info: %w", err)
	}
	status, err := daemonHealth(callCtx, t)
	if err != nil {
		return fmt.Errorf("daemon health: %w", err)
	}

	st := sess.Stats()
	fmt.Printf("echo:     %d calls in %s\n", count, elapsed.Round(time.Microsecond))
	fmt.Printf("guest:    %s (%s/%s)\n", info.Hostname, info.OS, info.Arch)
	fmt.Printf("daemon:   %s\n", status)
	fmt.Printf("frames:   handshake %d/%d, runner %d/%d, daemon %d/%d (in/out)\n",
		st.Handshake.FramesIn, st.Handshake.FramesOut,
		st.Runner.FramesIn, st.Runner.FramesOut,
		st.Daemon.FramesIn, st.Daemon.FramesOut)
	return nil
}

// startHealthDaemon serves the standard gRPC health service on a unix socket.
func startHealthDaemon(socket string) (stop func(), err error) {
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socket, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(ln)
	return srv.Stop, nil
}
